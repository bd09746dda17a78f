package awareness

import (
	"sync"
	"time"

	"collabcore/pkg/logger"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

type Cursor struct {
	DocumentID string `json:"document_id"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
}

type Selection struct {
	DocumentID  string `json:"document_id"`
	StartLine   int    `json:"start_line"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line"`
	EndColumn   int    `json:"end_column"`
}

// Record is one participant's ephemeral presence. Never persisted; fully
// reconstructable from a reconnect.
type Record struct {
	UserID       string     `json:"user_id"`
	ChannelID    string     `json:"channel_id"`
	SessionID    string     `json:"session_id"`
	Name         string     `json:"name,omitempty"`
	Status       Status     `json:"status"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	Typing       bool       `json:"typing"`
	LastTypedAt  time.Time  `json:"last_typed_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

type Info struct {
	UserID string
	Name   string
}

// Notifier receives presence changes to fan out. Calls are made without any
// broadcaster lock held.
type Notifier interface {
	BroadcastRoster(sessionID string, roster []Record)
	BroadcastDelta(sessionID, originChannel string, rec Record)
	SessionEmptied(sessionID string)
}

// Broadcaster tracks ephemeral presence per session, decoupled from document
// content so a high rate of cursor and typing events never blocks edits.
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Record // sessionID -> channelID -> record
	channels map[string]*Record            // channelID -> record

	notify           Notifier
	inactivityExpiry time.Duration
	typingExpiry     time.Duration
	now              func() time.Time // swappable for tests
	stop             chan struct{}
	stopOnce         sync.Once
}

func NewBroadcaster(notify Notifier, inactivityExpiry, typingExpiry time.Duration) *Broadcaster {
	return &Broadcaster{
		sessions:         make(map[string]map[string]*Record),
		channels:         make(map[string]*Record),
		notify:           notify,
		inactivityExpiry: inactivityExpiry,
		typingExpiry:     typingExpiry,
		now:              time.Now,
		stop:             make(chan struct{}),
	}
}

// AddParticipant creates the channel's record, marks it online, and pushes a
// full roster to the session. Exactly one record per connected channel per
// session; rejoining the same channel replaces the old record.
func (b *Broadcaster) AddParticipant(channelID, sessionID string, info Info) {
	now := b.now().UTC()
	rec := &Record{
		UserID:       info.UserID,
		ChannelID:    channelID,
		SessionID:    sessionID,
		Name:         info.Name,
		Status:       StatusOnline,
		LastActivity: now,
	}

	b.mu.Lock()
	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[string]*Record)
	}
	b.sessions[sessionID][channelID] = rec
	b.channels[channelID] = rec
	roster := b.rosterLocked(sessionID)
	b.mu.Unlock()

	b.notify.BroadcastRoster(sessionID, roster)
}

// RemoveParticipant drops the record immediately. When the session roster
// becomes empty the coordinator is told so it can tear the session down.
func (b *Broadcaster) RemoveParticipant(channelID, sessionID string) {
	b.mu.Lock()
	delete(b.channels, channelID)
	var roster []Record
	emptied := false
	if room, ok := b.sessions[sessionID]; ok {
		delete(room, channelID)
		if len(room) == 0 {
			delete(b.sessions, sessionID)
			emptied = true
		} else {
			roster = b.rosterLocked(sessionID)
		}
	}
	b.mu.Unlock()

	if emptied {
		b.notify.SessionEmptied(sessionID)
		return
	}
	if roster != nil {
		b.notify.BroadcastRoster(sessionID, roster)
	}
}

func (b *Broadcaster) UpdateCursor(channelID string, c Cursor) {
	b.updateDelta(channelID, func(rec *Record) { rec.Cursor = &c })
}

func (b *Broadcaster) UpdateSelection(channelID string, sel Selection) {
	b.updateDelta(channelID, func(rec *Record) { rec.Selection = &sel })
}

func (b *Broadcaster) UpdateTyping(channelID string, typing bool) {
	b.updateDelta(channelID, func(rec *Record) {
		rec.Typing = typing
		if typing {
			rec.LastTypedAt = b.now().UTC()
		}
	})
}

func (b *Broadcaster) UpdateStatus(channelID string, status Status) {
	b.updateDelta(channelID, func(rec *Record) { rec.Status = status })
}

// updateDelta mutates one field and broadcasts only the changed record, not
// the whole roster.
func (b *Broadcaster) updateDelta(channelID string, mutate func(*Record)) {
	b.mu.Lock()
	rec, ok := b.channels[channelID]
	if !ok {
		b.mu.Unlock()
		logger.Sugar.Warnf("Presence update for unknown channel %s", channelID)
		return
	}
	mutate(rec)
	rec.LastActivity = b.now().UTC()
	snapshot := *rec
	sessionID := rec.SessionID
	b.mu.Unlock()

	b.notify.BroadcastDelta(sessionID, channelID, snapshot)
}

// Touch refreshes the channel's activity clock without broadcasting anything.
// Document edits call this so an actively typing participant is never swept
// for presence inactivity.
func (b *Broadcaster) Touch(channelID string) {
	b.mu.Lock()
	if rec, ok := b.channels[channelID]; ok {
		rec.LastActivity = b.now().UTC()
	}
	b.mu.Unlock()
}

// Snapshot returns the session's presence roster.
func (b *Broadcaster) Snapshot(sessionID string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rosterLocked(sessionID)
}

// Run sweeps stale presence on a fixed interval until Stop is called.
func (b *Broadcaster) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.SweepOnce(b.now().UTC())
		case <-b.stop:
			return
		}
	}
}

func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// SweepOnce evicts records idle past the inactivity expiry and clears typing
// flags older than the typing expiry. One roster broadcast per affected
// session, batched, to bound broadcast volume.
func (b *Broadcaster) SweepOnce(now time.Time) {
	b.mu.Lock()
	affected := make(map[string][]Record)
	emptied := make([]string, 0)
	for sessionID, room := range b.sessions {
		changed := false
		for channelID, rec := range room {
			if now.Sub(rec.LastActivity) > b.inactivityExpiry {
				delete(room, channelID)
				delete(b.channels, channelID)
				changed = true
				continue
			}
			if rec.Typing && now.Sub(rec.LastTypedAt) > b.typingExpiry {
				rec.Typing = false
				changed = true
			}
		}
		if len(room) == 0 {
			delete(b.sessions, sessionID)
			if changed {
				emptied = append(emptied, sessionID)
			}
			continue
		}
		if changed {
			affected[sessionID] = b.rosterLocked(sessionID)
		}
	}
	b.mu.Unlock()

	for sessionID, roster := range affected {
		b.notify.BroadcastRoster(sessionID, roster)
	}
	for _, sessionID := range emptied {
		b.notify.SessionEmptied(sessionID)
	}
}

func (b *Broadcaster) rosterLocked(sessionID string) []Record {
	room := b.sessions[sessionID]
	roster := make([]Record, 0, len(room))
	for _, rec := range room {
		roster = append(roster, *rec)
	}
	return roster
}
