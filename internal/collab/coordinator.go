package collab

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabcore/internal/awareness"
	"collabcore/internal/crdt"
	"collabcore/internal/document/model"
	"collabcore/internal/document/repository"
	"collabcore/internal/permission"
	"collabcore/pkg/logger"
)

// Sender delivers an encoded frame to a channel. Reports false when the
// channel is gone or lagging.
type Sender interface {
	Send(channelID string, frame []byte) bool
}

// Storage is the durable snapshot collaborator. The coordinator reads on
// session creation and writes after each accepted batch; it does not own
// schemas.
type Storage interface {
	Get(documentID string) (*model.DocumentSnapshot, error)
	Put(documentID string, snap model.DocumentSnapshot) error
	Lock(documentID, userID string) error
	Unlock(documentID, userID string) error
}

// AccessChecker is the capability lookup consumed by the coordinator.
type AccessChecker interface {
	ResolveRole(userID, resourceID string) permission.Role
	HasCapability(userID, resourceID string, c permission.Capability) bool
	CanJoinDocument(userID, projectID string) bool
}

// Relay mirrors session broadcasts to other nodes. Frames are keyed by the
// (project, document) registry key, which is the same on every node; session
// ids are node-local and never cross the wire. Optional.
type Relay interface {
	Publish(key string, frame []byte)
}

// Coordinator owns the session registry and routes every inbound participant
// event to the permission gate, the document store, and the awareness
// broadcaster, fanning the results out to the session. All registries are
// instance state, passed to transport handlers by injection.
type Coordinator struct {
	mu              sync.Mutex
	sessions        map[string]*Session // (projectID, documentID) -> session
	sessionsByID    map[string]*Session
	channelSessions map[string]string          // channelID -> sessionID
	projectChannels map[string]map[string]bool // projectID -> channel set
	channelProjects map[string]map[string]bool

	gate    AccessChecker
	storage Storage
	sender  Sender
	relay   Relay
	aware   *awareness.Broadcaster

	sessionTimeout time.Duration
	stop           chan struct{}
	stopOnce       sync.Once
}

func NewCoordinator(gate AccessChecker, storage Storage, sender Sender, sessionTimeout time.Duration) *Coordinator {
	return &Coordinator{
		sessions:        make(map[string]*Session),
		sessionsByID:    make(map[string]*Session),
		channelSessions: make(map[string]string),
		projectChannels: make(map[string]map[string]bool),
		channelProjects: make(map[string]map[string]bool),
		gate:            gate,
		storage:         storage,
		sender:          sender,
		sessionTimeout:  sessionTimeout,
		stop:            make(chan struct{}),
	}
}

// BindAwareness attaches the presence broadcaster. The broadcaster needs the
// coordinator as its notifier, so the two are wired after construction.
func (c *Coordinator) BindAwareness(b *awareness.Broadcaster) { c.aware = b }

// BindRelay attaches the optional cross-node broadcast relay.
func (c *Coordinator) BindRelay(r Relay) { c.relay = r }

// Dispatch decodes an inbound envelope and routes it to the matching
// handler. Unknown events and malformed payloads come back as error events
// on the originating channel only.
func (c *Coordinator) Dispatch(channelID, userID string, msg Message) {
	switch msg.Event {
	case EventJoinProject:
		var req JoinProjectRequest
		if !c.decodeData(channelID, msg.Data, &req) {
			return
		}
		c.JoinProject(channelID, userID, req.ProjectID)
	case EventJoinDocument:
		var req JoinDocumentRequest
		if !c.decodeData(channelID, msg.Data, &req) {
			return
		}
		c.JoinDocument(channelID, userID, req)
	case EventDocumentOperation:
		var upd DocumentUpdate
		if !c.decodeData(channelID, msg.Data, &upd) {
			return
		}
		c.ApplyOperation(channelID, upd)
	case EventCursorUpdate:
		var cur CursorUpdate
		if !c.decodeData(channelID, msg.Data, &cur) {
			return
		}
		c.aware.UpdateCursor(channelID, awareness.Cursor{
			DocumentID: cur.DocumentID, Line: cur.Line, Column: cur.Column,
		})
	case EventSelectionUpdate:
		var sel SelectionUpdate
		if !c.decodeData(channelID, msg.Data, &sel) {
			return
		}
		c.aware.UpdateSelection(channelID, awareness.Selection{
			DocumentID: sel.DocumentID,
			StartLine:  sel.StartLine, StartColumn: sel.StartColumn,
			EndLine: sel.EndLine, EndColumn: sel.EndColumn,
		})
	case EventStatusUpdate:
		var su StatusUpdate
		if !c.decodeData(channelID, msg.Data, &su) {
			return
		}
		c.aware.UpdateStatus(channelID, awareness.Status(su.Status))
	case EventTypingStart:
		c.aware.UpdateTyping(channelID, true)
	case EventTypingStop:
		c.aware.UpdateTyping(channelID, false)
	case EventLockDocument:
		c.LockDocument(channelID)
	case EventUnlockDocument:
		c.UnlockDocument(channelID)
	case EventLeaveDocument:
		c.LeaveDocument(channelID)
	default:
		c.sendError(channelID, "unknown-event", "unknown event: "+msg.Event)
	}
}

// JoinProject subscribes the channel to the project's broadcast group. It
// does not create a session.
func (c *Coordinator) JoinProject(channelID, userID, projectID string) {
	if !c.gate.HasCapability(userID, projectID, permission.CapRead) {
		c.sendError(channelID, "access-denied", "no access to project "+projectID)
		return
	}

	c.mu.Lock()
	if c.projectChannels[projectID] == nil {
		c.projectChannels[projectID] = make(map[string]bool)
	}
	c.projectChannels[projectID][channelID] = true
	if c.channelProjects[channelID] == nil {
		c.channelProjects[channelID] = make(map[string]bool)
	}
	c.channelProjects[channelID][projectID] = true
	c.mu.Unlock()

	c.sendTo(channelID, EventProjectJoined, ProjectJoined{ProjectID: projectID})
}

// JoinDocument finds or creates the document's session, registers the
// participant with its resolved role, replies with the current snapshot and
// roster, and announces the join to the rest of the session.
func (c *Coordinator) JoinDocument(channelID, userID string, req JoinDocumentRequest) {
	if !c.gate.CanJoinDocument(userID, req.ProjectID) {
		c.sendError(channelID, "access-denied", "no access to project "+req.ProjectID)
		return
	}

	// A channel is a member of at most one session.
	c.removeFromSession(channelID)

	session, err := c.findOrCreateSession(req.ProjectID, req.DocumentID)
	if err != nil {
		c.sendError(channelID, "storage-error", "could not load document "+req.DocumentID)
		return
	}

	now := time.Now().UTC()
	p := &Participant{
		ID:           uuid.NewString(),
		UserID:       userID,
		ChannelID:    channelID,
		Name:         req.Name,
		Email:        req.Email,
		Avatar:       req.Avatar,
		Role:         c.gate.ResolveRole(userID, req.DocumentID),
		JoinedAt:     now,
		LastActivity: now,
	}

	session.mu.Lock()
	session.addParticipantLocked(p)
	roster := session.rosterLocked()
	snap := session.store.Snapshot()
	session.mu.Unlock()

	c.mu.Lock()
	c.channelSessions[channelID] = session.ID
	c.mu.Unlock()

	c.sendTo(channelID, EventDocumentJoined, DocumentJoined{
		SessionID:     session.ID,
		ParticipantID: p.ID,
		ProjectID:     session.ProjectID,
		DocumentID:    session.DocumentID,
		Content:       snap.Content,
		Version:       snap.Version,
		Role:          p.Role,
		Participants:  roster,
	})
	c.broadcastToSession(session, channelID, EventParticipantJoined, ParticipantJoined{
		SessionID:   session.ID,
		Participant: p.view(),
	})
	c.aware.AddParticipant(channelID, session.ID, awareness.Info{UserID: userID, Name: req.Name})

	logger.Sugar.Infof("User %s joined document %s (session %s)", userID, req.DocumentID, session.ID)
}

// ApplyOperation runs one edit batch through the document store, persists
// the snapshot, broadcasts to the other participants, and acknowledges to
// the sender only.
func (c *Coordinator) ApplyOperation(channelID string, upd DocumentUpdate) {
	session := c.sessionForChannel(channelID)
	if session == nil {
		c.sendError(channelID, "session-not-found", "not joined to a document; rejoin to continue")
		return
	}

	session.mu.Lock()
	p, ok := session.byChannel[channelID]
	if !ok {
		session.mu.Unlock()
		c.sendError(channelID, "session-not-found", "not a participant of this session; rejoin to continue")
		return
	}

	ops := make([]crdt.Operation, 0, len(upd.Operations))
	opIDs := make([]string, 0, len(upd.Operations))
	for _, w := range upd.Operations {
		op, err := w.decode(p.UserID, session.DocumentID, upd.BaseVersion)
		if err != nil {
			session.mu.Unlock()
			c.sendTo(channelID, EventOperationError, OperationError{
				DocumentID:   session.DocumentID,
				OperationIDs: collectWireIDs(upd.Operations),
				Reason:       err.Error(),
			})
			return
		}
		ops = append(ops, op)
		opIDs = append(opIDs, op.ID)
	}

	// Role gating happens before the store is ever touched.
	if !permission.Capabilities(p.Role).Has(permission.CapWrite) {
		session.mu.Unlock()
		c.sendTo(channelID, EventOperationError, OperationError{
			DocumentID:   session.DocumentID,
			OperationIDs: opIDs,
			Reason:       ErrOperationRejected.Error() + ": role " + string(p.Role) + " cannot write",
		})
		return
	}
	if session.lockedBy != "" && session.lockedBy != p.UserID {
		session.mu.Unlock()
		c.sendTo(channelID, EventOperationError, OperationError{
			DocumentID:   session.DocumentID,
			OperationIDs: opIDs,
			Reason:       ErrDocumentLocked.Error(),
		})
		return
	}

	snap, applied, err := session.store.Apply(ops, upd.BaseVersion)
	if err != nil {
		session.mu.Unlock()
		c.sendTo(channelID, EventOperationError, OperationError{
			DocumentID:   session.DocumentID,
			OperationIDs: opIDs,
			Reason:       ErrApplyFailure.Error() + ": " + err.Error(),
		})
		return
	}

	if len(applied) > 0 {
		c.persistLocked(session, snap)
	}
	p.LastActivity = time.Now().UTC()
	session.lastActivity = p.LastActivity
	userID := p.UserID
	session.mu.Unlock()

	// Editing counts as presence activity even when the cursor never moves.
	c.aware.Touch(channelID)

	if len(applied) > 0 {
		c.broadcastToSession(session, channelID, EventDocumentOperation, OperationBroadcast{
			SessionID:  session.ID,
			DocumentID: session.DocumentID,
			UserID:     userID,
			Version:    snap.Version,
			Operations: ops,
			Applied:    applied,
		})
	}
	c.sendTo(channelID, EventOperationAck, OperationAck{
		DocumentID:  session.DocumentID,
		AcceptedIDs: opIDs,
		Version:     snap.Version,
	})
}

// LeaveDocument removes the channel's participant and tears the session down
// if it became empty.
func (c *Coordinator) LeaveDocument(channelID string) {
	c.removeFromSession(channelID)
}

// Disconnect handles a dropped channel: same as leaving, plus project group
// cleanup.
func (c *Coordinator) Disconnect(channelID string) {
	c.removeFromSession(channelID)

	c.mu.Lock()
	for projectID := range c.channelProjects[channelID] {
		delete(c.projectChannels[projectID], channelID)
		if len(c.projectChannels[projectID]) == 0 {
			delete(c.projectChannels, projectID)
		}
	}
	delete(c.channelProjects, channelID)
	c.mu.Unlock()
}

// KickParticipant removes a participant administratively. The target channel
// is notified directly before any roster or index mutation.
func (c *Coordinator) KickParticipant(sessionID, participantID, reason string) error {
	c.mu.Lock()
	session, ok := c.sessionsByID[sessionID]
	c.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	session.mu.Lock()
	p, ok := session.participants[participantID]
	session.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	c.sendTo(p.ChannelID, EventKicked, Kicked{SessionID: sessionID, Reason: reason})
	c.removeFromSession(p.ChannelID)
	return nil
}

// LockDocument acquires the exclusive-edit lock for the channel's user.
func (c *Coordinator) LockDocument(channelID string) {
	session := c.sessionForChannel(channelID)
	if session == nil {
		c.sendError(channelID, "session-not-found", "not joined to a document")
		return
	}
	session.mu.Lock()
	p, ok := session.byChannel[channelID]
	if !ok {
		session.mu.Unlock()
		c.sendError(channelID, "session-not-found", "not a participant of this session")
		return
	}
	if !permission.Capabilities(p.Role).Has(permission.CapWrite) {
		session.mu.Unlock()
		c.sendError(channelID, "access-denied", "role "+string(p.Role)+" cannot lock")
		return
	}
	userID := p.UserID
	if err := c.storage.Lock(session.DocumentID, userID); err != nil {
		session.mu.Unlock()
		if errors.Is(err, repository.ErrLocked) {
			c.sendError(channelID, "document-locked", "document is locked by another user")
		} else {
			c.sendError(channelID, "storage-error", "could not lock document")
		}
		return
	}
	session.lockedBy = userID
	session.mu.Unlock()
}

// UnlockDocument releases the lock if the channel's user holds it.
func (c *Coordinator) UnlockDocument(channelID string) {
	session := c.sessionForChannel(channelID)
	if session == nil {
		c.sendError(channelID, "session-not-found", "not joined to a document")
		return
	}
	session.mu.Lock()
	p, ok := session.byChannel[channelID]
	if !ok || session.lockedBy != p.UserID {
		session.mu.Unlock()
		return
	}
	userID := p.UserID
	if err := c.storage.Unlock(session.DocumentID, userID); err != nil {
		session.mu.Unlock()
		c.sendError(channelID, "storage-error", "could not unlock document")
		return
	}
	session.lockedBy = ""
	session.mu.Unlock()
}

// DeliverRemote hands a frame published by another node to the local session
// for the same (project, document). Operation batches are merged into the
// local replica first so the two nodes' stores converge; all frames are then
// forwarded to local members. Origin exclusion already happened on the origin
// node, and the origin node owns the durable write.
func (c *Coordinator) DeliverRemote(key string, frame []byte) {
	c.mu.Lock()
	session, ok := c.sessions[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		logger.Sugar.Warnf("Dropping malformed remote frame for %s: %v", key, err)
		return
	}
	if msg.Event == EventDocumentOperation {
		var bc OperationBroadcast
		if err := json.Unmarshal(msg.Data, &bc); err == nil && len(bc.Applied) > 0 {
			session.mu.Lock()
			if _, _, err := session.store.Integrate(bc.Applied); err != nil {
				logger.Sugar.Warnf("Failed to merge remote batch into doc %s: %v", session.DocumentID, err)
			}
			session.lastActivity = time.Now().UTC()
			session.mu.Unlock()
		}
	}

	session.mu.Lock()
	channels := session.channelsLocked("")
	session.mu.Unlock()
	for _, channelID := range channels {
		c.sender.Send(channelID, frame)
	}
}

// BroadcastRoster implements awareness.Notifier.
func (c *Coordinator) BroadcastRoster(sessionID string, roster []awareness.Record) {
	c.mu.Lock()
	session, ok := c.sessionsByID[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.broadcastToSession(session, "", EventAwarenessUpdate, AwarenessUpdate{SessionID: sessionID, Roster: roster})
}

// BroadcastDelta implements awareness.Notifier.
func (c *Coordinator) BroadcastDelta(sessionID, originChannel string, rec awareness.Record) {
	c.mu.Lock()
	session, ok := c.sessionsByID[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.broadcastToSession(session, originChannel, EventAwarenessUpdate, AwarenessUpdate{SessionID: sessionID, Delta: &rec})
}

// SessionEmptied implements awareness.Notifier. The presence sweep can empty
// a roster while channels are still connected (everyone idle past the
// awareness expiry), so only the participant registry decides session death.
func (c *Coordinator) SessionEmptied(sessionID string) {
	c.mu.Lock()
	session, ok := c.sessionsByID[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	session.mu.Lock()
	empty := len(session.participants) == 0
	session.mu.Unlock()
	if !empty {
		return
	}
	c.destroySession(session, "", false)
}

// RunSweeper destroys sessions idle past the session timeout until Stop.
// Bounds memory for abandoned-but-never-closed sessions.
func (c *Coordinator) RunSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.SweepOnce(time.Now().UTC())
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// SweepOnce tears down every session whose last activity is older than the
// session timeout.
func (c *Coordinator) SweepOnce(now time.Time) {
	c.mu.Lock()
	var idle []*Session
	for _, session := range c.sessionsByID {
		session.mu.Lock()
		if now.Sub(session.lastActivity) > c.sessionTimeout {
			idle = append(idle, session)
		}
		session.mu.Unlock()
	}
	c.mu.Unlock()

	for _, session := range idle {
		logger.Sugar.Infof("Sweeping idle session %s (doc %s)", session.ID, session.DocumentID)
		c.destroySession(session, "session closed after inactivity", true)
	}
}

// SessionCount reports the number of live sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessionsByID)
}

// sessionKey is the registry key for a (project, document) pair. Unlike
// session ids it is stable across nodes, so it also keys relayed frames.
func sessionKey(projectID, documentID string) string {
	return projectID + "/" + documentID
}

func (c *Coordinator) findOrCreateSession(projectID, documentID string) (*Session, error) {
	key := sessionKey(projectID, documentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if session, ok := c.sessions[key]; ok {
		return session, nil
	}

	// First join for this document: seed the store from durable storage.
	snap, err := c.storage.Get(documentID)
	if err != nil {
		return nil, err
	}
	content, version, lockedBy := "", int64(0), ""
	if snap != nil {
		content, version = snap.Content, snap.Version
		if snap.LockedBy != nil {
			lockedBy = *snap.LockedBy
		}
	}
	session := newSession(projectID, documentID, uuid.NewString(), crdt.New(content, version), lockedBy)
	c.sessions[key] = session
	c.sessionsByID[session.ID] = session
	logger.Sugar.Infof("Created session %s for document %s at version %d", session.ID, documentID, version)
	return session, nil
}

func (c *Coordinator) sessionForChannel(channelID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, ok := c.channelSessions[channelID]
	if !ok {
		return nil
	}
	return c.sessionsByID[sessionID]
}

// removeFromSession is the shared tail of leave, disconnect, and kick. A
// kicked target already got its direct notice; the rest of the session sees
// the same participant-left as for a voluntary leave.
func (c *Coordinator) removeFromSession(channelID string) {
	c.mu.Lock()
	sessionID, ok := c.channelSessions[channelID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.channelSessions, channelID)
	session := c.sessionsByID[sessionID]
	c.mu.Unlock()
	if session == nil {
		return
	}

	session.mu.Lock()
	p := session.removeChannelLocked(channelID)
	remaining := len(session.participants)
	session.mu.Unlock()
	if p == nil {
		return
	}

	if remaining > 0 {
		c.broadcastToSession(session, channelID, EventParticipantLeft, ParticipantLeft{
			SessionID:     session.ID,
			ParticipantID: p.ID,
			UserID:        p.UserID,
		})
		c.aware.RemoveParticipant(channelID, session.ID)
		return
	}
	// Last participant gone. The presence roster usually empties here too and
	// comes back through SessionEmptied, but it may already have been swept;
	// the explicit destroy covers that, and destroySession is idempotent.
	c.aware.RemoveParticipant(channelID, session.ID)
	c.destroySession(session, "", false)
}

// destroySession is idempotent: the registry entry is the liveness token.
// Lock order is always coordinator before session.
func (c *Coordinator) destroySession(session *Session, reason string, notifyMembers bool) {
	key := sessionKey(session.ProjectID, session.DocumentID)
	c.mu.Lock()
	if _, ok := c.sessionsByID[session.ID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.sessionsByID, session.ID)
	delete(c.sessions, key)

	session.mu.Lock()
	channels := session.channelsLocked("")
	for _, channelID := range channels {
		delete(c.channelSessions, channelID)
	}
	session.mu.Unlock()
	c.mu.Unlock()

	session.mu.Lock()
	// One last chance for a degraded session to reach durable storage.
	if session.degraded {
		c.persistLocked(session, session.store.Snapshot())
	}
	session.store.Destroy()
	session.participants = make(map[string]*Participant)
	session.byChannel = make(map[string]*Participant)
	session.mu.Unlock()

	if notifyMembers {
		frame := encode(EventSessionClosed, SessionClosed{SessionID: session.ID, Reason: reason})
		for _, channelID := range channels {
			c.sender.Send(channelID, frame)
		}
	}
	logger.Sugar.Infof("Destroyed session %s (doc %s)", session.ID, session.DocumentID)
}

// persistLocked writes the snapshot behind an accepted batch. A failure
// degrades the session instead of rolling back: the in-memory state stays
// authoritative and the write is retried on the next batch and at teardown.
func (c *Coordinator) persistLocked(session *Session, snap crdt.Snapshot) {
	err := c.storage.Put(session.DocumentID, model.DocumentSnapshot{
		ID:             session.DocumentID,
		Content:        snap.Content,
		Version:        snap.Version,
		LastModifiedBy: snap.LastModifiedBy,
		LastModifiedAt: snap.LastModifiedAt,
	})
	if err != nil {
		session.degraded = true
		logger.Sugar.Warnf("Persistence degraded for session %s (doc %s): %v", session.ID, session.DocumentID, err)
		return
	}
	if session.degraded {
		logger.Sugar.Infof("Persistence recovered for session %s (doc %s)", session.ID, session.DocumentID)
		session.degraded = false
	}
}

// broadcastToSession sends a frame to every participant except the
// originating channel and mirrors it to the relay.
func (c *Coordinator) broadcastToSession(session *Session, exceptChannel, event string, payload interface{}) {
	frame := encode(event, payload)
	if frame == nil {
		return
	}
	session.mu.Lock()
	channels := session.channelsLocked(exceptChannel)
	session.mu.Unlock()

	for _, channelID := range channels {
		if !c.sender.Send(channelID, frame) {
			logger.Sugar.Warnf("Dropping broadcast to unreachable channel %s", channelID)
		}
	}
	if c.relay != nil {
		c.relay.Publish(sessionKey(session.ProjectID, session.DocumentID), frame)
	}
}

func (c *Coordinator) sendTo(channelID, event string, payload interface{}) {
	frame := encode(event, payload)
	if frame == nil {
		return
	}
	c.sender.Send(channelID, frame)
}

func (c *Coordinator) sendError(channelID, code, message string) {
	c.sendTo(channelID, EventError, ErrorEvent{Code: code, Message: message})
}

func (c *Coordinator) decodeData(channelID string, data json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		c.sendError(channelID, "bad-request", "malformed payload: "+err.Error())
		return false
	}
	return true
}

func collectWireIDs(ops []WireOperation) []string {
	ids := make([]string, 0, len(ops))
	for _, w := range ops {
		if w.ID != "" {
			ids = append(ids, w.ID)
		}
	}
	return ids
}
