package crdt

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpRetain OpType = "retain"
	OpFormat OpType = "format"
)

// Operation is an atomic edit request as submitted by a participant.
// Operations are consumed, never mutated in place.
type Operation struct {
	ID          string    `json:"id"`
	Type        OpType    `json:"type"`
	Position    int       `json:"position"`
	Content     string    `json:"content,omitempty"`
	Length      int       `json:"length,omitempty"`
	UserID      string    `json:"user_id"`
	BaseVersion int64     `json:"base_version"`
	DocumentID  string    `json:"document_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// RemoteOp is the integrated, position-carrying form of an operation. It is
// what the store emits after applying a local batch and what merges
// commutatively and idempotently on any replica, in any order.
type RemoteOp struct {
	ID      string       `json:"id"`
	Kind    OpType       `json:"kind"`
	UserID  string       `json:"user_id,omitempty"`
	Atoms   []RemoteAtom `json:"atoms,omitempty"`
	Targets []Position   `json:"targets,omitempty"`
}

type RemoteAtom struct {
	Pos   Position `json:"pos"`
	Value string   `json:"value"`
}

// Snapshot is the materialized linear state. It is the only representation
// that leaves the store; the atom sequence itself is never serialized.
type Snapshot struct {
	Content        string    `json:"content"`
	Version        int64     `json:"version"`
	LastModifiedBy string    `json:"last_modified_by,omitempty"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

type atom struct {
	pos     Position
	value   rune
	deleted bool
}

// Store is the convergent text replica owned by one session.
type Store struct {
	mu        sync.Mutex
	site      string
	atoms     []atom // sorted by position, tombstones included
	seen      map[string]bool
	version   int64
	lastBy    string
	lastAt    time.Time
	destroyed bool
}

// New seeds a store from a durable snapshot. An empty content with version 0
// is a brand new document.
func New(initialContent string, version int64) *Store {
	runes := []rune(initialContent)
	step := seedStep(len(runes))
	atoms := make([]atom, len(runes))
	for i, r := range runes {
		atoms[i] = atom{
			pos:   Position{{Digit: uint32(i+1) * step, Site: seedSite}},
			value: r,
		}
	}
	return &Store{
		site:    uuid.NewString(),
		atoms:   atoms,
		seen:    make(map[string]bool),
		version: version,
	}
}

// Apply integrates a batch of participant operations, all-or-nothing. A base
// version older than the current one is not rejected: the batch is merged at
// its declared indices against current state and convergence is left to the
// commutative position order. Version advances by exactly one per batch that
// mutates the text; a batch of duplicates or retains leaves it unchanged.
func (s *Store) Apply(ops []Operation, baseVersion int64) (Snapshot, []RemoteOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return Snapshot{}, nil, ErrDestroyed
	}

	// Validate the whole batch before touching anything so a bad operation
	// never leaves a partial application observable.
	for _, op := range ops {
		if err := validate(op); err != nil {
			return Snapshot{}, nil, err
		}
	}

	var applied []RemoteOp
	mutated := false
	for _, op := range ops {
		if s.seen[op.ID] {
			continue
		}
		s.seen[op.ID] = true
		switch op.Type {
		case OpInsert:
			applied = append(applied, s.applyInsert(op))
			mutated = true
		case OpDelete:
			applied = append(applied, s.applyDelete(op))
			mutated = true
		case OpRetain, OpFormat:
			// Reserved for formatting metadata; accepted but inert.
		}
	}

	if mutated {
		s.version++
		s.lastBy = ops[len(ops)-1].UserID
		s.lastAt = time.Now().UTC()
	}
	return s.snapshotLocked(), applied, nil
}

// Integrate merges position-carrying operations produced elsewhere. Safe to
// call with operations already seen (idempotent) and in any order
// (commutative). Reports whether the text changed.
func (s *Store) Integrate(remote []RemoteOp) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return Snapshot{}, false, ErrDestroyed
	}

	changed := false
	for _, op := range remote {
		if s.seen[op.ID] {
			continue
		}
		s.seen[op.ID] = true
		switch op.Kind {
		case OpInsert:
			for _, ra := range op.Atoms {
				runes := []rune(ra.Value)
				if len(runes) == 0 {
					continue
				}
				if s.insertAtom(atom{pos: ra.Pos, value: runes[0]}) {
					changed = true
				}
			}
		case OpDelete:
			for _, target := range op.Targets {
				if s.deleteAtom(target) {
					changed = true
				}
			}
		}
		if op.UserID != "" {
			s.lastBy = op.UserID
		}
	}
	if changed {
		s.version++
		s.lastAt = time.Now().UTC()
	}
	return s.snapshotLocked(), changed, nil
}

// Snapshot returns the current linear text and version, side-effect free.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Destroy releases the atom sequence. Called exactly once on session
// teardown; any later call on the store fails with ErrDestroyed.
func (s *Store) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.atoms = nil
	s.seen = nil
}

// seedStep spaces seeded positions evenly. Long content shrinks the gap so
// the highest digit stays below maxDigit instead of wrapping and breaking the
// sorted order.
func seedStep(n int) uint32 {
	if n >= int(maxDigit)-1 {
		return 1
	}
	step := (maxDigit - 1) / uint32(n+1)
	if step > seedGap {
		return seedGap
	}
	return step
}

func validate(op Operation) error {
	switch op.Type {
	case OpInsert:
		if op.Position < 0 || op.Content == "" {
			return fmt.Errorf("%w: insert %q", ErrInvalidOperation, op.ID)
		}
	case OpDelete:
		if op.Position < 0 || op.Length < 1 {
			return fmt.Errorf("%w: delete %q", ErrInvalidOperation, op.ID)
		}
	case OpRetain, OpFormat:
		if op.Position < 0 {
			return fmt.Errorf("%w: %s %q", ErrInvalidOperation, op.Type, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown type %q in %q", ErrInvalidOperation, op.Type, op.ID)
	}
	return nil
}

func (s *Store) applyInsert(op Operation) RemoteOp {
	// Indices from a stale base may point past the end; clamp rather than
	// reject, the position order resolves the rest.
	idx := op.Position
	visible := s.visibleLen()
	if idx > visible {
		idx = visible
	}

	left := s.visiblePos(idx - 1)
	right := s.visiblePos(idx)

	remote := RemoteOp{ID: op.ID, Kind: OpInsert, UserID: op.UserID}
	for _, r := range op.Content {
		p := posBetween(left, right, s.site)
		s.insertAtom(atom{pos: p, value: r})
		remote.Atoms = append(remote.Atoms, RemoteAtom{Pos: p, Value: string(r)})
		left = p
	}
	return remote
}

func (s *Store) applyDelete(op Operation) RemoteOp {
	start := op.Position
	visible := s.visibleLen()
	if start > visible {
		start = visible
	}
	end := start + op.Length
	if end > visible {
		end = visible
	}

	remote := RemoteOp{ID: op.ID, Kind: OpDelete, UserID: op.UserID}
	count := 0
	for i := range s.atoms {
		if s.atoms[i].deleted {
			continue
		}
		if count >= start && count < end {
			s.atoms[i].deleted = true
			remote.Targets = append(remote.Targets, s.atoms[i].pos)
		}
		count++
		if count >= end {
			break
		}
	}
	return remote
}

// insertAtom places an atom at its sorted slot. An atom already present at
// the same position is the same atom delivered twice; it is skipped.
func (s *Store) insertAtom(a atom) bool {
	i := sort.Search(len(s.atoms), func(i int) bool {
		return s.atoms[i].pos.Compare(a.pos) >= 0
	})
	if i < len(s.atoms) && s.atoms[i].pos.Compare(a.pos) == 0 {
		return false
	}
	s.atoms = append(s.atoms, atom{})
	copy(s.atoms[i+1:], s.atoms[i:])
	s.atoms[i] = a
	return true
}

func (s *Store) deleteAtom(p Position) bool {
	i := sort.Search(len(s.atoms), func(i int) bool {
		return s.atoms[i].pos.Compare(p) >= 0
	})
	if i < len(s.atoms) && s.atoms[i].pos.Compare(p) == 0 && !s.atoms[i].deleted {
		s.atoms[i].deleted = true
		return true
	}
	return false
}

func (s *Store) visibleLen() int {
	n := 0
	for i := range s.atoms {
		if !s.atoms[i].deleted {
			n++
		}
	}
	return n
}

// visiblePos returns the position of the atom at the given visible index, or
// nil when the index falls outside the text (document boundary).
func (s *Store) visiblePos(idx int) Position {
	if idx < 0 {
		return nil
	}
	count := 0
	for i := range s.atoms {
		if s.atoms[i].deleted {
			continue
		}
		if count == idx {
			return s.atoms[i].pos
		}
		count++
	}
	return nil
}

func (s *Store) snapshotLocked() Snapshot {
	var b []rune
	for i := range s.atoms {
		if !s.atoms[i].deleted {
			b = append(b, s.atoms[i].value)
		}
	}
	return Snapshot{
		Content:        string(b),
		Version:        s.version,
		LastModifiedBy: s.lastBy,
		LastModifiedAt: s.lastAt,
	}
}
