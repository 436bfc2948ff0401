package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedIDs(t *testing.T, s *Store, bracket int) []string {
	t.Helper()
	entries, err := s.queueEntries(context.Background(), bracket)
	require.NoError(t, err)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Setup.ID
	}
	return ids
}

func TestEnqueueReplacesStaleEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.Enqueue(ctx, 1, queueEntry("alice", 12, "inst-a"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Enqueue(ctx, 1, queueEntry("bob", 14, "inst-a"))
	require.NoError(t, err)

	again := queueEntry("alice", 12, "inst-b")
	n, err = s.Enqueue(ctx, 1, again)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"bob", "alice"}, queuedIDs(t, s, 1))
}

func TestTakePairIsFIFOAndSkipsSelf(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := s.Enqueue(ctx, 2, queueEntry(id, 20, "inst-a"))
		require.NoError(t, err)
	}

	self, opp, ok, err := s.TakePair(ctx, 2, "carol")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "carol", self.Setup.ID)
	assert.Equal(t, "alice", opp.Setup.ID)
	assert.Equal(t, []string{"bob"}, queuedIDs(t, s, 2))

	_, _, ok, err = s.TakePair(ctx, 2, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"bob"}, queuedIDs(t, s, 2))
}

func TestTakePairRequiresOwnEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, 0, queueEntry("alice", 1, "inst-a"))
	require.NoError(t, err)

	_, _, ok, err := s.TakePair(ctx, 0, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"alice"}, queuedIDs(t, s, 0))
}

func TestRemoveFromQueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, 3, queueEntry("alice", 30, "inst-a"))
	require.NoError(t, err)

	removed, err := s.RemoveFromQueue(ctx, 3, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.RemoveFromQueue(ctx, 3, "alice")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestQueueSizesAndInstanceDrop(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, 0, queueEntry("alice", 1, "inst-a"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, 0, queueEntry("bob", 2, "inst-b"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, 5, queueEntry("carol", 55, "inst-b"))
	require.NoError(t, err)

	sizes, err := s.QueueSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{0: 2, 5: 1}, sizes)

	dropped, err := s.RemoveQueueEntriesOwnedBy(ctx, "inst-b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, dropped)

	sizes, err = s.QueueSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{0: 1}, sizes)
}
