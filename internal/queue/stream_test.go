package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts StreamOptions) *StreamQueue {
	t.Helper()
	q, err := NewStreamQueue(filepath.Join(t.TempDir(), "queue.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestPublishRead(t *testing.T) {
	q := newTestQueue(t, DefaultStreamOptions())
	ctx := context.Background()

	id1, err := q.Publish(ctx, "events", map[string]string{"event_id": "a"})
	require.NoError(t, err)
	id2, err := q.Publish(ctx, "events", map[string]string{"event_id": "b"})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	entries, err := q.Read(ctx, "events", "g1", "c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Fields["event_id"])
	assert.Equal(t, "b", entries[1].Fields["event_id"])
	assert.Equal(t, 1, entries[0].DeliveryCount)
}

func TestReadAdvancesCursor(t *testing.T) {
	q := newTestQueue(t, DefaultStreamOptions())
	ctx := context.Background()

	_, err := q.Publish(ctx, "events", map[string]string{"event_id": "a"})
	require.NoError(t, err)

	first, err := q.Read(ctx, "events", "g1", "c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// The consumer's own unacked entry is redelivered, not a new one.
	second, err := q.Read(ctx, "events", "g1", "c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].DeliveryCount)

	// Once acked, the group has nothing left.
	require.NoError(t, q.Ack(ctx, "events", "g1", first[0].ID))
	third, err := q.Read(ctx, "events", "g1", "c1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestOwnPendingRedeliveredBeforeMinIdle(t *testing.T) {
	// MinIdle stays at the 30s default: only the owning consumer may take
	// the entry back this quickly.
	q := newTestQueue(t, DefaultStreamOptions())
	ctx := context.Background()

	_, err := q.Publish(ctx, "events", map[string]string{"event_id": "a"})
	require.NoError(t, err)

	first, err := q.Read(ctx, "events", "g1", "w1", 0, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A restarted w1 recovers its in-flight entry immediately.
	again, err := q.Read(ctx, "events", "g1", "w1", 0, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, 2, again[0].DeliveryCount)

	// A different consumer must wait out MinIdle.
	other, err := q.Read(ctx, "events", "g1", "w2", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestConsumerGroupsAreIndependent(t *testing.T) {
	q := newTestQueue(t, DefaultStreamOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Publish(ctx, "cdc", map[string]string{"sequence": fmt.Sprint(i + 1)})
		require.NoError(t, err)
	}

	metrics, err := q.Read(ctx, "cdc", "metrics", "m1", 0, 10)
	require.NoError(t, err)
	conv, err := q.Read(ctx, "cdc", "conversation", "c1", 0, 10)
	require.NoError(t, err)

	// Each group gets its own full copy of the stream.
	assert.Len(t, metrics, 3)
	assert.Len(t, conv, 3)
}

func TestAckRemovesPending(t *testing.T) {
	q := newTestQueue(t, DefaultStreamOptions())
	ctx := context.Background()

	_, err := q.Publish(ctx, "events", map[string]string{"event_id": "a"})
	require.NoError(t, err)

	entries, err := q.Read(ctx, "events", "g1", "c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	n, err := q.PendingCount(ctx, "events", "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, q.Ack(ctx, "events", "g1", entries[0].ID))

	n, err = q.PendingCount(ctx, "events", "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedeliveryAfterMinIdle(t *testing.T) {
	opts := DefaultStreamOptions()
	opts.MinIdle = 20 * time.Millisecond
	q := newTestQueue(t, opts)
	ctx := context.Background()

	_, err := q.Publish(ctx, "events", map[string]string{"event_id": "a"})
	require.NoError(t, err)

	// First consumer reads but never acks (simulated crash).
	first, err := q.Read(ctx, "events", "g1", "crashed", 0, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(30 * time.Millisecond)

	second, err := q.Read(ctx, "events", "g1", "replacement", 0, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].DeliveryCount)
	assert.Equal(t, first[0].Fields, second[0].Fields)
}

func TestApproximateTrim(t *testing.T) {
	opts := DefaultStreamOptions()
	opts.MaxLen = 10
	opts.TrimInterval = 5
	q := newTestQueue(t, opts)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := q.Publish(ctx, "events", map[string]string{"i": fmt.Sprint(i)})
		require.NoError(t, err)
	}

	n, err := q.Len(ctx, "events")
	require.NoError(t, err)
	// Approximate: never trimmed below MaxLen, bounded by MaxLen plus one
	// trim interval of slack.
	assert.GreaterOrEqual(t, n, int64(10))
	assert.LessOrEqual(t, n, int64(10+5))
}

func TestBlockingReadTimesOut(t *testing.T) {
	q := newTestQueue(t, DefaultStreamOptions())
	ctx := context.Background()

	start := time.Now()
	entries, err := q.Read(ctx, "empty", "g1", "c1", 80*time.Millisecond, 1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestBlockingReadHonorsContext(t *testing.T) {
	q := newTestQueue(t, DefaultStreamOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Read(ctx, "empty", "g1", "c1", 5*time.Second, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamsAreIsolated(t *testing.T) {
	q := newTestQueue(t, DefaultStreamOptions())
	ctx := context.Background()

	_, err := q.Publish(ctx, "events", map[string]string{"k": "events"})
	require.NoError(t, err)
	_, err = q.Publish(ctx, "cdc", map[string]string{"k": "cdc"})
	require.NoError(t, err)

	entries, err := q.Read(ctx, "cdc", "g1", "c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cdc", entries[0].Fields["k"])
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	q1, err := NewStreamQueue(path, DefaultStreamOptions())
	require.NoError(t, err)
	_, err = q1.Publish(ctx, "events", map[string]string{"event_id": "a"})
	require.NoError(t, err)
	require.NoError(t, q1.Close())

	q2, err := NewStreamQueue(path, DefaultStreamOptions())
	require.NoError(t, err)
	defer q2.Close()

	entries, err := q2.Read(ctx, "events", "g1", "c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Fields["event_id"])

	// IDs keep increasing across reopen.
	id, err := q2.Publish(ctx, "events", map[string]string{"event_id": "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}
