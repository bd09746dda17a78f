package crdt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertOp(id, content string, pos int, user string) Operation {
	return Operation{ID: id, Type: OpInsert, Position: pos, Content: content, UserID: user}
}

func deleteOp(id string, pos, length int, user string) Operation {
	return Operation{ID: id, Type: OpDelete, Position: pos, Length: length, UserID: user}
}

func TestApplyInsertAndDelete(t *testing.T) {
	s := New("", 0)

	snap, applied, err := s.Apply([]Operation{insertOp("op1", "hello", 0, "u1")}, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", snap.Content)
	assert.Equal(t, int64(1), snap.Version)
	require.Len(t, applied, 1)
	assert.Len(t, applied[0].Atoms, 5)

	snap, _, err = s.Apply([]Operation{insertOp("op2", " world", 5, "u1")}, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello world", snap.Content)
	assert.Equal(t, int64(2), snap.Version)

	snap, applied, err = s.Apply([]Operation{deleteOp("op3", 0, 6, "u2")}, 2)
	require.NoError(t, err)
	assert.Equal(t, "world", snap.Content)
	assert.Equal(t, int64(3), snap.Version)
	assert.Len(t, applied[0].Targets, 6)
	assert.Equal(t, "u2", snap.LastModifiedBy)
}

func TestApplySeededContent(t *testing.T) {
	s := New("abc", 7)
	assert.Equal(t, "abc", s.Snapshot().Content)
	assert.Equal(t, int64(7), s.Snapshot().Version)

	snap, _, err := s.Apply([]Operation{insertOp("op1", "X", 1, "u1")}, 7)
	require.NoError(t, err)
	assert.Equal(t, "aXbc", snap.Content)
	assert.Equal(t, int64(8), snap.Version)
}

func TestBatchIsAllOrNothing(t *testing.T) {
	s := New("abc", 0)
	_, _, err := s.Apply([]Operation{
		insertOp("ok", "x", 0, "u1"),
		{ID: "bad", Type: "paint", Position: 0, UserID: "u1"},
	}, 0)
	require.ErrorIs(t, err, ErrInvalidOperation)
	// Nothing from the batch may be observable.
	assert.Equal(t, "abc", s.Snapshot().Content)
	assert.Equal(t, int64(0), s.Snapshot().Version)

	// The valid op was not consumed and can be resubmitted.
	snap, _, err := s.Apply([]Operation{insertOp("ok", "x", 0, "u1")}, 0)
	require.NoError(t, err)
	assert.Equal(t, "xabc", snap.Content)
}

func TestVersionBumpsOncePerBatch(t *testing.T) {
	s := New("", 0)
	snap, _, err := s.Apply([]Operation{
		insertOp("a", "one", 0, "u1"),
		insertOp("b", "two", 3, "u1"),
		deleteOp("c", 0, 1, "u1"),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
}

func TestDuplicateOperationIDIsIdempotent(t *testing.T) {
	s := New("", 0)
	op := insertOp("op1", "hi", 0, "u1")

	first, _, err := s.Apply([]Operation{op}, 0)
	require.NoError(t, err)

	second, applied, err := s.Apply([]Operation{op}, 0)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.Version, second.Version, "duplicate batch must not advance the version")
}

func TestRetainAndFormatAreInert(t *testing.T) {
	s := New("abc", 0)
	snap, applied, err := s.Apply([]Operation{
		{ID: "r1", Type: OpRetain, Position: 2, Length: 1, UserID: "u1"},
		{ID: "f1", Type: OpFormat, Position: 0, Length: 3, UserID: "u1"},
	}, 0)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, "abc", snap.Content)
	assert.Equal(t, int64(0), snap.Version)
}

func TestStaleBaseVersionIsMergedNotRejected(t *testing.T) {
	s := New("", 0)
	_, _, err := s.Apply([]Operation{insertOp("a", "hello", 0, "u1")}, 0)
	require.NoError(t, err)

	// Declared against base 0, position past a reasonable point: clamped in.
	snap, _, err := s.Apply([]Operation{insertOp("b", "!", 99, "u2")}, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello!", snap.Content)
	assert.Equal(t, int64(2), snap.Version)
}

func TestConvergenceUnderPermutation(t *testing.T) {
	// Produce position-carrying ops from three independent origins.
	var remote []RemoteOp
	for i, user := range []string{"u1", "u2", "u3"} {
		origin := New("seed ", 0)
		_, applied, err := origin.Apply([]Operation{
			insertOp(fmt.Sprintf("ins-%s", user), fmt.Sprintf("<%d>", i), 0, user),
		}, 0)
		require.NoError(t, err)
		remote = append(remote, applied...)
	}
	deleter := New("seed ", 0)
	_, applied, err := deleter.Apply([]Operation{deleteOp("del-u4", 0, 2, "u4")}, 0)
	require.NoError(t, err)
	remote = append(remote, applied...)

	perms := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2},
	}
	var contents []string
	for _, perm := range perms {
		replica := New("seed ", 0)
		for _, i := range perm {
			_, _, err := replica.Integrate([]RemoteOp{remote[i]})
			require.NoError(t, err)
		}
		contents = append(contents, replica.Snapshot().Content)
	}
	for i := 1; i < len(contents); i++ {
		assert.Equal(t, contents[0], contents[i], "permutation %d diverged", i)
	}
	// All three inserts survive, the two deleted seed chars do not.
	assert.Contains(t, contents[0], "<0>")
	assert.Contains(t, contents[0], "<1>")
	assert.Contains(t, contents[0], "<2>")
	assert.Contains(t, contents[0], "ed ")
	assert.NotContains(t, contents[0], "se")
}

func TestIntegrateIsIdempotent(t *testing.T) {
	origin := New("", 0)
	_, applied, err := origin.Apply([]Operation{insertOp("op1", "dup", 0, "u1")}, 0)
	require.NoError(t, err)

	replica := New("", 0)
	snap1, changed, err := replica.Integrate(applied)
	require.NoError(t, err)
	assert.True(t, changed)

	snap2, changed, err := replica.Integrate(applied)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, snap1.Content, snap2.Content)
	assert.Equal(t, snap1.Version, snap2.Version)
}

func TestConcurrentInsertsAtSamePositionConverge(t *testing.T) {
	a := New("", 0)
	b := New("", 0)

	_, fromA, err := a.Apply([]Operation{insertOp("a1", "hi", 0, "ua")}, 0)
	require.NoError(t, err)
	_, fromB, err := b.Apply([]Operation{insertOp("b1", "yo", 0, "ub")}, 0)
	require.NoError(t, err)

	_, _, err = a.Integrate(fromB)
	require.NoError(t, err)
	_, _, err = b.Integrate(fromA)
	require.NoError(t, err)

	assert.Equal(t, a.Snapshot().Content, b.Snapshot().Content)
	assert.Len(t, a.Snapshot().Content, 4)
}

func TestDeleteClampsToDocumentEnd(t *testing.T) {
	s := New("abc", 0)
	snap, applied, err := s.Apply([]Operation{deleteOp("d1", 1, 50, "u1")}, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", snap.Content)
	assert.Len(t, applied[0].Targets, 2)
}

func TestSeedStepNeverOverflows(t *testing.T) {
	for _, n := range []int{0, 1, 1000, 1 << 20, 1 << 22, 10 << 20, 1 << 28} {
		step := seedStep(n)
		require.Greaterf(t, step, uint32(0), "n=%d", n)
		// Highest seeded digit, computed without wrapping.
		last := uint64(n) * uint64(step)
		assert.Lessf(t, last, uint64(maxDigit), "n=%d step=%d", n, step)
	}
	// Short content keeps the full gap for cheap interior inserts.
	assert.Equal(t, seedGap, seedStep(100))
}

func TestSeededPositionsStaySorted(t *testing.T) {
	// Long enough that the legacy fixed gap would wrap uint32.
	n := (1 << 22) + 10
	step := seedStep(n)
	prev := uint32(0)
	for _, i := range []int{0, 1, n / 2, n - 2, n - 1} {
		digit := uint32(i+1) * step
		if i > 0 {
			require.Greaterf(t, digit, prev, "digit order broken at %d", i)
		}
		prev = digit
	}
}

func TestDestroy(t *testing.T) {
	s := New("abc", 0)
	s.Destroy()
	_, _, err := s.Apply([]Operation{insertOp("op1", "x", 0, "u1")}, 0)
	assert.ErrorIs(t, err, ErrDestroyed)
	_, _, err = s.Integrate(nil)
	assert.ErrorIs(t, err, ErrDestroyed)
}
