// Package fastpath implements the single fast-path consumer: the only writer
// to the durable log and the only assigner of global sequence numbers. It
// reads raw events from the event stream, classifies and deduplicates them,
// commits them in batches, and publishes one CDC entry per committed record.
package fastpath

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/internal/event"
	"github.com/blueplane/blueplane/internal/observability"
	"github.com/blueplane/blueplane/internal/queue"
	"github.com/blueplane/blueplane/internal/router"
	"github.com/blueplane/blueplane/internal/session"
	"github.com/blueplane/blueplane/internal/tracestore"
	"github.com/blueplane/blueplane/pkg/types"
)

// Config holds configuration for the fast-path consumer.
type Config struct {
	// EventStream is the raw event stream to consume.
	EventStream string

	// CDCStream is the stream CDC entries are published to.
	CDCStream string

	// Group is the consumer group name on the event stream.
	Group string

	// Consumer is this process's consumer name within the group.
	Consumer string

	// BatchSize is the maximum entries read per batch.
	BatchSize int

	// BlockDuration is how long a read blocks waiting for new entries.
	BlockDuration time.Duration

	// Retry controls batch commit retries.
	Retry *RetryPolicy
}

// Consumer is the fast-path ingestion loop. Exactly one instance runs per
// deployment; the sequence counter has a single owner.
type Consumer struct {
	config   Config
	queue    queue.Queue
	traces   tracestore.TraceStore
	sessions *session.Persistence
	notifier *router.Notifier
	usage    *observability.UsageStats

	// nextSeq is touched only by the run goroutine once Start returns.
	nextSeq uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewConsumer creates a fast-path consumer.
func NewConsumer(config Config, q queue.Queue, traces tracestore.TraceStore, sessions *session.Persistence) *Consumer {
	if config.Retry == nil {
		config.Retry = DefaultRetryPolicy()
	}
	return &Consumer{
		config:   config,
		queue:    q,
		traces:   traces,
		sessions: sessions,
	}
}

// SetNotifier attaches a commit notification bus. Must be called before
// Start.
func (c *Consumer) SetNotifier(n *router.Notifier) {
	c.notifier = n
}

// SetUsageStats attaches an event-type frequency tracker. Must be called
// before Start.
func (c *Consumer) SetUsageStats(u *observability.UsageStats) {
	c.usage = u
}

// Start recovers the sequence counter from the durable log and begins the
// consume loop. It runs until the context is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("fastpath: consumer is already running")
	}
	c.mu.Unlock()

	// The counter resumes exactly one past the last committed sequence, so a
	// crash can never create a gap or reuse a sequence.
	max, err := c.traces.MaxSequence(ctx)
	if err != nil {
		return fmt.Errorf("fastpath: failed to recover sequence counter: %w", err)
	}
	c.nextSeq = max + 1

	recovered, err := c.sessions.RecoverActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("fastpath: failed to recover sessions: %w", err)
	}
	log.Printf("fastpath: starting at sequence %d, %d session(s) carried over", c.nextSeq, len(recovered))

	c.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop gracefully stops the consumer. The in-flight batch finishes first.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	c.cancel()
	<-c.done
	c.running = false
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := c.queue.Read(ctx, c.config.EventStream, c.config.Group,
			c.config.Consumer, c.config.BlockDuration, c.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("fastpath: read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		if err := c.processBatch(ctx, entries); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Entries stay pending and will be redelivered; dedup makes the
			// replay harmless.
			log.Printf("fastpath: batch of %d failed, leaving for redelivery: %v", len(entries), err)
		}
	}
}

// pending pairs a parsed record with the queue entry it came from.
type pending struct {
	entry  queue.Entry
	record *types.TraceRecord
	raw    *types.RawEvent
}

// processBatch parses, commits, and acknowledges one read batch. Malformed
// entries are acknowledged and skipped immediately; the rest commit in a
// single transaction. Returns an error only when the batch must be retried
// via redelivery.
func (c *Consumer) processBatch(ctx context.Context, entries []queue.Entry) error {
	batch := make([]pending, 0, len(entries))
	for _, entry := range entries {
		raw, err := event.RawEventFromFields(entry.Fields)
		if err != nil {
			// Structurally bad entries can never succeed; drop them.
			log.Printf("fastpath: dropping malformed entry %d: %v", entry.ID, err)
			observability.EventsDropped.Inc()
			c.ack(ctx, c.config.EventStream, c.config.Group, entry.ID)
			continue
		}
		batch = append(batch, pending{
			entry: entry,
			raw:   raw,
			record: &types.TraceRecord{
				EventID:           raw.EventID,
				ExternalSessionID: raw.ExternalSessionID,
				EventType:         event.Classify(raw.HookType),
				Platform:          raw.Platform,
				Timestamp:         raw.Timestamp,
				Payload:           raw.Payload,
				Metadata:          raw.Metadata,
			},
		})
		if c.usage != nil {
			c.usage.RecordEventType(string(batch[len(batch)-1].record.EventType))
		}
	}
	if len(batch) == 0 {
		return nil
	}

	// Resolve every record to an internal session id before committing.
	// Start failures are the one lifecycle error that blocks the batch.
	for i := range batch {
		if err := c.resolveSession(ctx, &batch[i]); err != nil {
			return err
		}
	}

	records := make([]*types.TraceRecord, len(batch))
	for i := range batch {
		records[i] = batch[i].record
	}

	var inserted []*types.TraceRecord
	err := c.config.Retry.Execute(ctx, func() error {
		var insertErr error
		inserted, insertErr = c.traces.InsertBatch(ctx, records, c.nextSeq)
		return insertErr
	})
	if err != nil {
		return fmt.Errorf("fastpath: commit failed: %w", err)
	}
	c.nextSeq += uint64(len(inserted))
	observability.EventsIngested.Add(float64(len(inserted)))
	observability.EventsDeduplicated.Add(float64(len(batch) - len(inserted)))
	observability.SequenceAssigned.Set(float64(c.nextSeq - 1))

	// CDC entries follow the commit. A crash in this window can lose a
	// notification but never a record; workers reconcile from the log.
	for _, rec := range inserted {
		fields := event.FieldsFromCDC(&types.CDCEntry{
			Sequence:  rec.Sequence,
			EventID:   rec.EventID,
			SessionID: rec.SessionID,
			EventType: rec.EventType,
		})
		publishErr := c.config.Retry.Execute(ctx, func() error {
			_, err := c.queue.Publish(ctx, c.config.CDCStream, fields)
			return err
		})
		if publishErr != nil {
			log.Printf("fastpath: failed to publish CDC for sequence %d: %v", rec.Sequence, publishErr)
		}

		if c.notifier != nil {
			kind := router.RecordCommitted
			switch rec.EventType {
			case types.EventSessionStart:
				kind = router.SessionStarted
			case types.EventSessionEnd:
				kind = router.SessionEnded
			}
			c.notifier.Publish(router.Notification{
				Type:      kind,
				SessionID: rec.SessionID,
				Sequence:  rec.Sequence,
				EventType: rec.EventType,
				Timestamp: time.Now().UnixNano(),
			})
		}
	}

	// Session ends apply after the commit so the end event itself is durable
	// first. Failures here are swallowed by the persistence layer.
	for i := range batch {
		if batch[i].record.EventType == types.EventSessionEnd {
			c.applySessionEnd(ctx, &batch[i])
		}
	}

	for i := range batch {
		c.ack(ctx, c.config.EventStream, c.config.Group, batch[i].entry.ID)
	}
	return nil
}

// resolveSession fills in the record's internal session id, creating the
// session on a start event or implicitly for a session never started.
func (c *Consumer) resolveSession(ctx context.Context, p *pending) error {
	if p.record.EventType == types.EventSessionStart {
		info := session.StartInfo{
			ExternalSessionID: p.raw.ExternalSessionID,
			StartedAt:         p.raw.Timestamp,
			Metadata:          p.raw.Metadata,
		}
		if payload, err := event.DecodePayload(types.EventSessionStart, p.raw.Payload); err == nil {
			if sp, ok := payload.(*event.SessionStartPayload); ok {
				info.WorkspaceHash = sp.WorkspaceHash
				info.WorkspaceName = sp.WorkspaceName
				info.WorkspacePath = sp.WorkspacePath
			}
		}
		sess, err := c.sessions.SaveSessionStart(ctx, info)
		if err != nil {
			return fmt.Errorf("fastpath: session start failed for %s: %w", p.raw.ExternalSessionID, err)
		}
		p.record.SessionID = sess.InternalID
		return nil
	}

	sess, err := c.sessions.GetSession(ctx, p.raw.ExternalSessionID)
	if err == nil {
		p.record.SessionID = sess.InternalID
		return nil
	}
	if !errors.IsSessionNotFound(err) {
		return fmt.Errorf("fastpath: session lookup failed for %s: %w", p.raw.ExternalSessionID, err)
	}

	// Event arrived before (or without) its session_start; open the session
	// implicitly so the record still lands under an internal id.
	sess, err = c.sessions.SaveSessionStart(ctx, session.StartInfo{
		ExternalSessionID: p.raw.ExternalSessionID,
		StartedAt:         p.raw.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("fastpath: implicit session start failed for %s: %w", p.raw.ExternalSessionID, err)
	}
	p.record.SessionID = sess.InternalID
	return nil
}

func (c *Consumer) applySessionEnd(ctx context.Context, p *pending) {
	reason := types.EndReasonNormal
	if payload, err := event.DecodePayload(types.EventSessionEnd, p.raw.Payload); err == nil {
		if ep, ok := payload.(*event.SessionEndPayload); ok && ep.Reason != "" {
			reason = types.EndReason(ep.Reason)
		}
	}
	_ = c.sessions.SaveSessionEnd(ctx, p.raw.ExternalSessionID, p.raw.Timestamp, reason)
}

func (c *Consumer) ack(ctx context.Context, stream, group string, id int64) {
	if err := c.queue.Ack(ctx, stream, group, id); err != nil {
		log.Printf("fastpath: failed to ack entry %d: %v", id, err)
	}
}
