package workers

import (
	"context"
	"fmt"

	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/internal/event"
	"github.com/blueplane/blueplane/internal/metricstore"
	"github.com/blueplane/blueplane/internal/observability"
	"github.com/blueplane/blueplane/internal/tracestore"
	"github.com/blueplane/blueplane/pkg/types"
)

// MetricsWorker derives aggregate metrics from committed trace records. All
// updates for one record commit atomically under the applied-sequence guard,
// so redelivery never double-counts.
type MetricsWorker struct {
	traces  tracestore.TraceStore
	metrics metricstore.MetricStore
}

// NewMetricsWorker creates the metrics worker.
func NewMetricsWorker(traces tracestore.TraceStore, metrics metricstore.MetricStore) *MetricsWorker {
	return &MetricsWorker{traces: traces, metrics: metrics}
}

// Name implements Worker.
func (w *MetricsWorker) Name() string { return "metrics" }

// Process implements Worker.
func (w *MetricsWorker) Process(ctx context.Context, entry *types.CDCEntry) error {
	rec, err := w.traces.GetBySequence(ctx, entry.Sequence)
	if err != nil {
		if errors.GetCode(err) == errors.CodeTraceNotFound {
			// CDC always follows the commit, so a missing record means a
			// stale or corrupt entry.
			return errors.NewValidationError(errors.CodeMalformedEntry,
				fmt.Sprintf("no trace record at sequence %d", entry.Sequence))
		}
		return err
	}

	updates := w.updatesFor(rec)
	applied, err := w.metrics.Apply(ctx, w.Name(), rec.Sequence, updates)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if head, err := w.traces.MaxSequence(ctx); err == nil && head >= rec.Sequence {
		observability.WorkerLag.WithLabelValues(w.Name()).Set(float64(head - rec.Sequence))
	}
	return nil
}

// updatesFor maps one trace record to its aggregate mutations.
func (w *MetricsWorker) updatesFor(rec *types.TraceRecord) []metricstore.Update {
	tags := map[string]string{"platform": rec.Platform}
	updates := []metricstore.Update{
		{Name: "events.count", Tags: tags, Kind: types.MetricCounter, Value: 1},
	}

	payload, err := event.DecodePayload(rec.EventType, rec.Payload)
	if err != nil {
		return updates
	}

	switch p := payload.(type) {
	case *event.SessionStartPayload:
		updates = append(updates,
			metricstore.Update{Name: "sessions.started", Tags: tags, Kind: types.MetricCounter, Value: 1})
	case *event.SessionEndPayload:
		updates = append(updates,
			metricstore.Update{Name: "sessions.ended", Tags: tags, Kind: types.MetricCounter, Value: 1})
	case *event.PromptPayload:
		updates = append(updates,
			metricstore.Update{Name: "prompts.count", Tags: tags, Kind: types.MetricCounter, Value: 1},
			metricstore.Update{Name: "prompts.tokens", Tags: tags, Kind: types.MetricCounter, Value: float64(p.TokensUsed)})
	case *event.ResponsePayload:
		updates = append(updates,
			metricstore.Update{Name: "responses.count", Tags: tags, Kind: types.MetricCounter, Value: 1},
			metricstore.Update{Name: "responses.tokens", Tags: tags, Kind: types.MetricCounter, Value: float64(p.TokensUsed)},
			metricstore.Update{Name: "responses.latency_ms", Tags: tags, Kind: types.MetricHistogram, Value: float64(p.LatencyMs)})
	case *event.FileEditPayload:
		updates = append(updates,
			metricstore.Update{Name: "edits.count", Tags: tags, Kind: types.MetricCounter, Value: 1},
			metricstore.Update{Name: "edits.lines_added", Tags: tags, Kind: types.MetricCounter, Value: float64(p.LinesAdded)},
			metricstore.Update{Name: "edits.lines_removed", Tags: tags, Kind: types.MetricCounter, Value: float64(p.LinesRemoved)})
		if p.Accepted {
			updates = append(updates,
				metricstore.Update{Name: "edits.accepted", Tags: tags, Kind: types.MetricCounter, Value: 1})
		}
	case *event.ShellExecutionPayload:
		updates = append(updates,
			metricstore.Update{Name: "shell.count", Tags: tags, Kind: types.MetricCounter, Value: 1},
			metricstore.Update{Name: "shell.duration_ms", Tags: tags, Kind: types.MetricHistogram, Value: float64(p.DurationMs)})
	case *event.ToolUsePayload:
		toolTags := map[string]string{"platform": rec.Platform, "tool": p.Tool}
		updates = append(updates,
			metricstore.Update{Name: "tools.count", Tags: toolTags, Kind: types.MetricCounter, Value: 1})
	}
	return updates
}
