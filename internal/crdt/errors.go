package crdt

import "errors"

var (
	// ErrDestroyed reports use of a store after session teardown released it.
	ErrDestroyed = errors.New("crdt: store destroyed")
	// ErrInvalidOperation rejects a whole batch before any mutation.
	ErrInvalidOperation = errors.New("crdt: invalid operation")
)
