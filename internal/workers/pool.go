package workers

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/internal/event"
	"github.com/blueplane/blueplane/internal/observability"
	"github.com/blueplane/blueplane/internal/queue"
)

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	// CDCStream is the stream every worker consumes.
	CDCStream string

	// ReadBatch is the maximum CDC entries read per iteration.
	ReadBatch int

	// BlockDuration is how long a read blocks waiting for new entries.
	BlockDuration time.Duration

	// RestartBackoff is the initial delay before restarting a failed worker.
	RestartBackoff time.Duration

	// RestartBackoffMax caps the restart delay.
	RestartBackoffMax time.Duration

	// ShutdownTimeout bounds the wait for workers to finish on Stop.
	ShutdownTimeout time.Duration
}

// Pool supervises a set of workers, each consuming the CDC stream through
// its own group. A worker that returns an error is restarted with exponential
// backoff; a worker that exits cleanly on context cancellation is not.
type Pool struct {
	config  PoolConfig
	queue   queue.Queue
	workers []Worker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPool creates a worker pool. Workers are fixed at construction.
func NewPool(config PoolConfig, q queue.Queue, workers ...Worker) *Pool {
	return &Pool{
		config:  config,
		queue:   q,
		workers: workers,
	}
}

// Start launches every worker's supervision loop. It runs until the context
// is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("workers: pool is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.done)

		g, gctx := errgroup.WithContext(ctx)
		for _, w := range p.workers {
			worker := w
			g.Go(func() error {
				p.supervise(gctx, worker)
				return nil
			})
		}
		g.Wait()
	}()
	return nil
}

// Stop stops the pool, waiting up to ShutdownTimeout for in-flight work.
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}

	p.cancel()
	select {
	case <-p.done:
	case <-time.After(p.config.ShutdownTimeout):
		log.Printf("workers: shutdown timed out after %s", p.config.ShutdownTimeout)
	}
	p.running = false
	return nil
}

// supervise runs the worker's consume loop, restarting it with backoff after
// failures until the context is cancelled.
func (p *Pool) supervise(ctx context.Context, w Worker) {
	backoff := p.config.RestartBackoff
	for {
		err := p.consume(ctx, w)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean exit without cancellation means the worker is done.
			return
		}

		log.Printf("workers: %s failed, restarting in %s: %v", w.Name(), backoff, err)
		observability.WorkerRestarts.WithLabelValues(w.Name()).Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.config.RestartBackoffMax {
			backoff = p.config.RestartBackoffMax
		}
	}
}

// consume is one life of a worker: read, process, ack, repeat. Returns nil
// only on context cancellation.
func (p *Pool) consume(ctx context.Context, w Worker) error {
	group := "worker:" + w.Name()
	consumer := w.Name()

	// A successful pass resets the restart backoff on the next supervise
	// iteration by returning only on error or cancellation.
	for {
		if ctx.Err() != nil {
			return nil
		}

		entries, err := p.queue.Read(ctx, p.config.CDCStream, group, consumer,
			p.config.BlockDuration, p.config.ReadBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("workers: %s read failed: %w", w.Name(), err)
		}

		for _, entry := range entries {
			cdc, err := event.CDCFromFields(entry.Fields)
			if err != nil {
				log.Printf("workers: %s dropping malformed CDC entry %d: %v", w.Name(), entry.ID, err)
				observability.WorkerSkipped.WithLabelValues(w.Name()).Inc()
				p.ack(ctx, group, entry.ID)
				continue
			}

			if err := w.Process(ctx, cdc); err != nil {
				if errors.IsMalformed(err) {
					log.Printf("workers: %s skipping sequence %d: %v", w.Name(), cdc.Sequence, err)
					observability.WorkerSkipped.WithLabelValues(w.Name()).Inc()
					p.ack(ctx, group, entry.ID)
					continue
				}
				// Leave the entry pending; redelivery resumes after restart.
				return fmt.Errorf("workers: %s failed at sequence %d: %w", w.Name(), cdc.Sequence, err)
			}
			observability.WorkerProcessed.WithLabelValues(w.Name()).Inc()
			p.ack(ctx, group, entry.ID)
		}
	}
}

func (p *Pool) ack(ctx context.Context, group string, id int64) {
	if err := p.queue.Ack(ctx, p.config.CDCStream, group, id); err != nil {
		log.Printf("workers: failed to ack entry %d: %v", id, err)
	}
}
