package collab

import "errors"

var (
	// ErrAccessDenied reports a failed capability check; surfaced to the
	// caller only, never broadcast.
	ErrAccessDenied = errors.New("collab: access denied")
	// ErrSessionNotFound reports a stale client reference to a torn-down
	// session; the caller must rejoin.
	ErrSessionNotFound = errors.New("collab: session not found")
	// ErrOperationRejected reports a write from a role without write
	// capability; the session is unaffected.
	ErrOperationRejected = errors.New("collab: operation rejected")
	// ErrApplyFailure reports a document store failure; the whole batch is
	// discarded and the session remains usable.
	ErrApplyFailure = errors.New("collab: apply failure")
	// ErrDocumentLocked reports a write against an exclusive-edit lock held
	// by another user.
	ErrDocumentLocked = errors.New("collab: document locked")
)
