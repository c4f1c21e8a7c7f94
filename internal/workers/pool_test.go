package workers

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/blueplane/internal/convstore"
	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/internal/event"
	"github.com/blueplane/blueplane/internal/metricstore"
	"github.com/blueplane/blueplane/internal/observability"
	"github.com/blueplane/blueplane/internal/queue"
	"github.com/blueplane/blueplane/internal/tracestore"
	"github.com/blueplane/blueplane/pkg/types"
)

const testCDCStream = "telemetry:cdc"

type fixture struct {
	queue   *queue.StreamQueue
	traces  *tracestore.SQLiteTraceStore
	convs   *convstore.SQLiteConversationStore
	metrics *metricstore.SQLiteMetricStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	q, err := queue.NewStreamQueue(filepath.Join(dir, "queue.db"), queue.DefaultStreamOptions())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	traces, err := tracestore.NewSQLiteTraceStore(filepath.Join(dir, "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { traces.Close() })

	convs, err := convstore.NewSQLiteConversationStore(filepath.Join(dir, "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { convs.Close() })

	metrics, err := metricstore.NewSQLiteMetricStore(filepath.Join(dir, "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { metrics.Close() })

	return &fixture{queue: q, traces: traces, convs: convs, metrics: metrics}
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		CDCStream:         testCDCStream,
		ReadBatch:         50,
		BlockDuration:     50 * time.Millisecond,
		RestartBackoff:    10 * time.Millisecond,
		RestartBackoffMax: 100 * time.Millisecond,
		ShutdownTimeout:   5 * time.Second,
	}
}

// commit writes records through the durable log and publishes their CDC
// entries, the way the fast path does.
func (f *fixture) commit(t *testing.T, sessionID string, events ...struct {
	Type    types.EventType
	Payload map[string]interface{}
}) []*types.TraceRecord {
	t.Helper()
	ctx := context.Background()

	start, err := f.traces.MaxSequence(ctx)
	require.NoError(t, err)

	records := make([]*types.TraceRecord, len(events))
	for i, ev := range events {
		records[i] = &types.TraceRecord{
			EventID:           uuid.New().String(),
			SessionID:         sessionID,
			ExternalSessionID: "ext-" + sessionID,
			EventType:         ev.Type,
			Platform:          "claude_code",
			Timestamp:         time.Now().UTC(),
			Payload:           ev.Payload,
		}
	}
	inserted, err := f.traces.InsertBatch(ctx, records, start+1)
	require.NoError(t, err)

	for _, rec := range inserted {
		fields := event.FieldsFromCDC(&types.CDCEntry{
			Sequence:  rec.Sequence,
			EventID:   rec.EventID,
			SessionID: rec.SessionID,
			EventType: rec.EventType,
		})
		_, err := f.queue.Publish(ctx, testCDCStream, fields)
		require.NoError(t, err)
	}
	return inserted
}

type ev = struct {
	Type    types.EventType
	Payload map[string]interface{}
}

func TestMetricsWorkerDerivesAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.commit(t, "sess-1",
		ev{Type: types.EventSessionStart},
		ev{Type: types.EventUserPrompt, Payload: map[string]interface{}{"tokens_used": 120}},
		ev{Type: types.EventAssistantResponse, Payload: map[string]interface{}{"tokens_used": 400, "latency_ms": 900}},
		ev{Type: types.EventFileEdit, Payload: map[string]interface{}{"lines_added": 10, "lines_removed": 2, "accepted": true}},
	)

	pool := NewPool(testPoolConfig(), f.queue, NewMetricsWorker(f.traces, f.metrics))
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool {
		max, err := f.metrics.MaxApplied(ctx, "metrics")
		return err == nil && max == 4
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, pool.Stop())

	tags := types.TagKey(map[string]string{"platform": "claude_code"})

	count, err := f.metrics.Get(ctx, "events.count", tags)
	require.NoError(t, err)
	assert.Equal(t, float64(4), count.Value)

	prompts, err := f.metrics.Get(ctx, "prompts.count", tags)
	require.NoError(t, err)
	assert.Equal(t, float64(1), prompts.Value)

	tokens, err := f.metrics.Get(ctx, "prompts.tokens", tags)
	require.NoError(t, err)
	assert.Equal(t, float64(120), tokens.Value)

	latency, err := f.metrics.Get(ctx, "responses.latency_ms", tags)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latency.Count)
	assert.Equal(t, float64(900), latency.Sum)

	added, err := f.metrics.Get(ctx, "edits.lines_added", tags)
	require.NoError(t, err)
	assert.Equal(t, float64(10), added.Value)
}

func TestMetricsWorkerIdempotentUnderRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inserted := f.commit(t, "sess-1",
		ev{Type: types.EventUserPrompt, Payload: map[string]interface{}{"tokens_used": 50}},
	)

	worker := NewMetricsWorker(f.traces, f.metrics)
	cdc := &types.CDCEntry{
		Sequence:  inserted[0].Sequence,
		EventID:   inserted[0].EventID,
		SessionID: inserted[0].SessionID,
		EventType: inserted[0].EventType,
	}
	require.NoError(t, worker.Process(ctx, cdc))
	require.NoError(t, worker.Process(ctx, cdc))

	tags := types.TagKey(map[string]string{"platform": "claude_code"})
	tokens, err := f.metrics.Get(ctx, "prompts.tokens", tags)
	require.NoError(t, err)
	assert.Equal(t, float64(50), tokens.Value, "redelivery must not double-count")
}

func TestMetricsWorkerReportsLag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inserted := f.commit(t, "sess-1",
		ev{Type: types.EventUserPrompt},
		ev{Type: types.EventUserPrompt},
		ev{Type: types.EventUserPrompt},
	)

	worker := NewMetricsWorker(f.traces, f.metrics)
	require.NoError(t, worker.Process(ctx, &types.CDCEntry{
		Sequence:  inserted[0].Sequence,
		EventID:   inserted[0].EventID,
		SessionID: inserted[0].SessionID,
		EventType: inserted[0].EventType,
	}))

	// Two committed records remain past the one just applied.
	lag := testutil.ToFloat64(observability.WorkerLag.WithLabelValues("metrics"))
	assert.Equal(t, float64(2), lag)
}

func TestConversationWorkerBuildsFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.commit(t, "sess-1",
		ev{Type: types.EventSessionStart},
		ev{Type: types.EventUserPrompt, Payload: map[string]interface{}{"content_hash": "h1", "tokens_used": 80}},
		ev{Type: types.EventAssistantResponse, Payload: map[string]interface{}{"content_hash": "h2", "tokens_used": 300, "latency_ms": 700}},
		ev{Type: types.EventFileEdit, Payload: map[string]interface{}{"file_extension": ".go", "operation": "edit", "lines_added": 7, "accepted": true}},
	)

	pool := NewPool(testPoolConfig(), f.queue, NewConversationWorker(f.traces, f.convs))
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool {
		convs, err := f.convs.GetConversationsBySession(ctx, "sess-1")
		return err == nil && len(convs) == 1 && convs[0].TurnCount == 2
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, pool.Stop())

	convs, err := f.convs.GetConversationsBySession(ctx, "sess-1")
	require.NoError(t, err)
	flow, err := f.convs.GetConversationFlow(ctx, convs[0].ID)
	require.NoError(t, err)

	require.Len(t, flow.Turns, 2)
	assert.Equal(t, types.TurnUserPrompt, flow.Turns[0].TurnType)
	assert.Equal(t, "h1", flow.Turns[0].ContentHash)
	assert.Equal(t, types.TurnAssistantResponse, flow.Turns[1].TurnType)
	assert.Equal(t, int64(700), flow.Turns[1].LatencyMs)

	require.Len(t, flow.CodeChanges, 1)
	assert.Equal(t, ".go", flow.CodeChanges[0].FileExtension)
	assert.Equal(t, int64(7), flow.CodeChanges[0].LinesAdded)
	assert.True(t, flow.CodeChanges[0].Accepted)
}

func TestConversationWorkerIdempotentUnderRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inserted := f.commit(t, "sess-1",
		ev{Type: types.EventUserPrompt, Payload: map[string]interface{}{"tokens_used": 10}},
	)

	worker := NewConversationWorker(f.traces, f.convs)
	cdc := &types.CDCEntry{
		Sequence:  inserted[0].Sequence,
		EventID:   inserted[0].EventID,
		SessionID: inserted[0].SessionID,
		EventType: inserted[0].EventType,
	}
	require.NoError(t, worker.Process(ctx, cdc))
	require.NoError(t, worker.Process(ctx, cdc))

	convs, err := f.convs.GetConversationsBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int64(1), convs[0].TurnCount)
}

// flakyWorker fails its first n Process calls with a retryable error.
type flakyWorker struct {
	name      string
	failures  int32
	processed int32
}

func (w *flakyWorker) Name() string { return w.name }

func (w *flakyWorker) Process(_ context.Context, _ *types.CDCEntry) error {
	if atomic.AddInt32(&w.failures, -1) >= 0 {
		return errors.NewWorkerError(errors.CodeProcessingFailed, "transient failure", nil)
	}
	atomic.AddInt32(&w.processed, 1)
	return nil
}

func TestPoolRestartsFailedWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.commit(t, "sess-1", ev{Type: types.EventUserPrompt})

	flaky := &flakyWorker{name: "flaky", failures: 2}
	pool := NewPool(testPoolConfig(), f.queue, flaky)
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&flaky.processed) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, pool.Stop())
}

func TestWorkersProgressIndependently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.commit(t, "sess-1",
		ev{Type: types.EventUserPrompt, Payload: map[string]interface{}{"tokens_used": 5}},
	)

	// The stuck worker never succeeds; the metrics worker must still drain.
	stuck := &flakyWorker{name: "stuck", failures: 1 << 30}
	pool := NewPool(testPoolConfig(), f.queue, stuck, NewMetricsWorker(f.traces, f.metrics))
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool {
		max, err := f.metrics.MaxApplied(ctx, "metrics")
		return err == nil && max == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, pool.Stop())

	assert.Equal(t, int32(0), atomic.LoadInt32(&stuck.processed))
}

func TestPoolDoubleStartFails(t *testing.T) {
	f := newFixture(t)

	pool := NewPool(testPoolConfig(), f.queue, NewMetricsWorker(f.traces, f.metrics))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()
	assert.Error(t, pool.Start(context.Background()))
}
