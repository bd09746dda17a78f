package collab

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"collabcore/internal/awareness"
	"collabcore/internal/crdt"
	"collabcore/internal/permission"
	"collabcore/pkg/logger"
)

// Client -> server events.
const (
	EventJoinProject       = "join-project"
	EventJoinDocument      = "join-document"
	EventDocumentOperation = "document-operation"
	EventCursorUpdate      = "cursor-update"
	EventSelectionUpdate   = "selection-update"
	EventStatusUpdate      = "status-update"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventLeaveDocument     = "leave-document"
	EventLockDocument      = "lock-document"
	EventUnlockDocument    = "unlock-document"
)

// Server -> client events. EventDocumentOperation is reused for broadcasts.
const (
	EventProjectJoined     = "project-joined"
	EventDocumentJoined    = "document-joined"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventOperationAck      = "operation-ack"
	EventOperationError    = "operation-error"
	EventAwarenessUpdate   = "awareness-update"
	EventSessionClosed     = "session-closed"
	EventKicked            = "kicked"
	EventError             = "error"
)

// Message is the channel-scoped envelope for every transport frame.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, payload interface{}) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s payload: %v", event, err)
		return nil
	}
	frame, _ := json.Marshal(Message{Event: event, Data: data})
	return frame
}

type JoinProjectRequest struct {
	ProjectID string `json:"project_id"`
}

type JoinDocumentRequest struct {
	ProjectID  string `json:"project_id"`
	DocumentID string `json:"document_id"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
}

// DocumentUpdate carries one batch of edit operations.
type DocumentUpdate struct {
	DocumentID  string          `json:"document_id"`
	BaseVersion int64           `json:"base_version"`
	Operations  []WireOperation `json:"operations"`
}

// WireOperation is the boundary form of an operation. The variant set is
// closed: each type requires its own payload fields and forbids the others,
// enforced in decode before anything reaches the document store.
type WireOperation struct {
	ID         string            `json:"id,omitempty"`
	Type       string            `json:"type"`
	Position   *int              `json:"position,omitempty"`
	Content    *string           `json:"content,omitempty"`
	Length     *int              `json:"length,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (w WireOperation) decode(userID, documentID string, baseVersion int64) (crdt.Operation, error) {
	op := crdt.Operation{
		ID:          w.ID,
		Type:        crdt.OpType(w.Type),
		UserID:      userID,
		BaseVersion: baseVersion,
		DocumentID:  documentID,
		Timestamp:   time.Now().UTC(),
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if w.Position == nil {
		return op, fmt.Errorf("operation %s: position is required", op.ID)
	}
	op.Position = *w.Position

	switch op.Type {
	case crdt.OpInsert:
		if w.Content == nil || *w.Content == "" {
			return op, fmt.Errorf("insert %s: content is required", op.ID)
		}
		if w.Length != nil || w.Attributes != nil {
			return op, fmt.Errorf("insert %s: length and attributes are not allowed", op.ID)
		}
		op.Content = *w.Content
	case crdt.OpDelete:
		if w.Length == nil || *w.Length < 1 {
			return op, fmt.Errorf("delete %s: positive length is required", op.ID)
		}
		if w.Content != nil || w.Attributes != nil {
			return op, fmt.Errorf("delete %s: content and attributes are not allowed", op.ID)
		}
		op.Length = *w.Length
	case crdt.OpRetain:
		if w.Length == nil || *w.Length < 1 {
			return op, fmt.Errorf("retain %s: positive length is required", op.ID)
		}
		if w.Content != nil || w.Attributes != nil {
			return op, fmt.Errorf("retain %s: content and attributes are not allowed", op.ID)
		}
		op.Length = *w.Length
	case crdt.OpFormat:
		if w.Length == nil || *w.Length < 1 {
			return op, fmt.Errorf("format %s: positive length is required", op.ID)
		}
		if w.Content != nil {
			return op, fmt.Errorf("format %s: content is not allowed", op.ID)
		}
		op.Length = *w.Length
	default:
		return op, fmt.Errorf("operation %s: unknown type %q", op.ID, w.Type)
	}
	return op, nil
}

// ParticipantView is the participant shape shared with clients.
type ParticipantView struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Name     string          `json:"name,omitempty"`
	Email    string          `json:"email,omitempty"`
	Avatar   string          `json:"avatar,omitempty"`
	Role     permission.Role `json:"role"`
	JoinedAt time.Time       `json:"joined_at"`
}

type ProjectJoined struct {
	ProjectID string `json:"project_id"`
}

type DocumentJoined struct {
	SessionID     string            `json:"session_id"`
	ParticipantID string            `json:"participant_id"`
	ProjectID     string            `json:"project_id"`
	DocumentID    string            `json:"document_id"`
	Content       string            `json:"content"`
	Version       int64             `json:"version"`
	Role          permission.Role   `json:"role"`
	Participants  []ParticipantView `json:"participants"`
}

type ParticipantJoined struct {
	SessionID   string          `json:"session_id"`
	Participant ParticipantView `json:"participant"`
}

type ParticipantLeft struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
}

// OperationBroadcast carries an accepted batch to the session's other
// participants. Applied is the integrated, position-carrying form of the
// batch; it is what other replicas (clients and other nodes) merge, while
// Operations echoes the input for clients that track the linear text.
type OperationBroadcast struct {
	SessionID  string           `json:"session_id"`
	DocumentID string           `json:"document_id"`
	UserID     string           `json:"user_id"`
	Version    int64            `json:"version"`
	Operations []crdt.Operation `json:"operations"`
	Applied    []crdt.RemoteOp  `json:"applied"`
}

type OperationAck struct {
	DocumentID  string   `json:"document_id"`
	AcceptedIDs []string `json:"accepted_ids"`
	Version     int64    `json:"version"`
}

type OperationError struct {
	DocumentID   string   `json:"document_id"`
	OperationIDs []string `json:"operation_ids"`
	Reason       string   `json:"reason"`
}

// AwarenessUpdate carries either a full roster or a single-record delta.
type AwarenessUpdate struct {
	SessionID string             `json:"session_id"`
	Roster    []awareness.Record `json:"roster,omitempty"`
	Delta     *awareness.Record  `json:"delta,omitempty"`
}

type SessionClosed struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type Kicked struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CursorUpdate struct {
	DocumentID string `json:"document_id"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
}

type StatusUpdate struct {
	Status string `json:"status"`
}

type SelectionUpdate struct {
	DocumentID  string `json:"document_id"`
	StartLine   int    `json:"start_line"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line"`
	EndColumn   int    `json:"end_column"`
}
