package tracestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteTraceStore {
	t.Helper()
	store, err := NewSQLiteTraceStore(filepath.Join(t.TempDir(), "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(eventID, sessionID string, eventType types.EventType, payload map[string]interface{}) *types.TraceRecord {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &types.TraceRecord{
		EventID:   eventID,
		SessionID: sessionID,
		EventType: eventType,
		Platform:  "cursor",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:   payload,
	}
}

func TestInsertBatchAssignsContiguousSequences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var batch []*types.TraceRecord
	for i := 0; i < 10; i++ {
		batch = append(batch, record(fmt.Sprintf("ev-%d", i), "s1", types.EventToolUse, nil))
	}

	inserted, err := store.InsertBatch(ctx, batch, 1)
	require.NoError(t, err)
	require.Len(t, inserted, 10)

	for i, rec := range inserted {
		assert.Equal(t, uint64(i+1), rec.Sequence)
		assert.False(t, rec.IngestedAt.IsZero())
	}

	max, err := store.MaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), max)
}

func TestInsertBatchDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.InsertBatch(ctx, []*types.TraceRecord{
		record("ev-1", "s1", types.EventUserPrompt, nil),
	}, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Redelivery of the same event plus one new event: the duplicate must
	// not produce a second row or consume a sequence.
	second, err := store.InsertBatch(ctx, []*types.TraceRecord{
		record("ev-1", "s1", types.EventUserPrompt, nil),
		record("ev-2", "s1", types.EventToolUse, nil),
	}, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "ev-2", second[0].EventID)
	assert.Equal(t, uint64(2), second[0].Sequence)

	max, err := store.MaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), max)
}

func TestMaxSequenceEmptyLog(t *testing.T) {
	store := newTestStore(t)
	max, err := store.MaxSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), max)
}

func TestGetBySequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertBatch(ctx, []*types.TraceRecord{
		record("ev-1", "s1", types.EventFileEdit, map[string]interface{}{"lines_added": float64(4)}),
	}, 1)
	require.NoError(t, err)

	rec, err := store.GetBySequence(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", rec.EventID)
	assert.Equal(t, types.EventFileEdit, rec.EventType)
	assert.Equal(t, float64(4), rec.Payload["lines_added"])
}

func TestGetBySequenceNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetBySequence(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, errors.CodeTraceNotFound, errors.GetCode(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestGetSessionEventsOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertBatch(ctx, []*types.TraceRecord{
		record("ev-1", "s1", types.EventUserPrompt, nil),
		record("ev-2", "s2", types.EventUserPrompt, nil),
		record("ev-3", "s1", types.EventAssistantResponse, nil),
	}, 1)
	require.NoError(t, err)

	events, err := store.GetSessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(3), events[1].Sequence)
}

func TestCalculateSessionMetrics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Three file edits: lines_added 10,5,0 and lines_removed 0,0,2.
	_, err := store.InsertBatch(ctx, []*types.TraceRecord{
		record("ev-1", "ext-1", types.EventFileEdit,
			map[string]interface{}{"lines_added": float64(10), "lines_removed": float64(0)}),
		record("ev-2", "ext-1", types.EventFileEdit,
			map[string]interface{}{"lines_added": float64(5), "lines_removed": float64(0)}),
		record("ev-3", "ext-1", types.EventFileEdit,
			map[string]interface{}{"lines_added": float64(0), "lines_removed": float64(2)}),
	}, 1)
	require.NoError(t, err)

	m, err := store.CalculateSessionMetrics(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.EventCount)
	assert.Equal(t, int64(15), m.TotalLinesAdded)
	assert.Equal(t, int64(2), m.TotalLinesRemoved)
	assert.Equal(t, int64(3), m.EditCount)
}

func TestCalculateSessionMetricsMixedEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertBatch(ctx, []*types.TraceRecord{
		record("ev-1", "s1", types.EventUserPrompt, map[string]interface{}{"tokens_used": float64(100)}),
		record("ev-2", "s1", types.EventToolUse,
			map[string]interface{}{"duration_ms": float64(150), "tokens_used": float64(1000)}),
	}, 1)
	require.NoError(t, err)

	m, err := store.CalculateSessionMetrics(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.EventCount)
	assert.Equal(t, int64(1100), m.TotalTokens)
	assert.Equal(t, int64(150), m.TotalDurationMs)
	assert.Equal(t, int64(1), m.PromptCount)
}

func TestSequenceRecoveryAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "traces.db")
	ctx := context.Background()

	s1, err := NewSQLiteTraceStore(path)
	require.NoError(t, err)
	_, err = s1.InsertBatch(ctx, []*types.TraceRecord{
		record("ev-1", "s1", types.EventToolUse, nil),
		record("ev-2", "s1", types.EventToolUse, nil),
	}, 1)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteTraceStore(path)
	require.NoError(t, err)
	defer s2.Close()

	max, err := s2.MaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), max)

	// The recovered counter resumes above the prior maximum.
	inserted, err := s2.InsertBatch(ctx, []*types.TraceRecord{
		record("ev-3", "s1", types.EventToolUse, nil),
	}, max+1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), inserted[0].Sequence)
}
