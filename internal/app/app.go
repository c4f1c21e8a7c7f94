// Package app provides the unified application lifecycle management for Blueplane.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/blueplane/blueplane/internal/api/http"
	"github.com/blueplane/blueplane/internal/config"
	"github.com/blueplane/blueplane/internal/convstore"
	"github.com/blueplane/blueplane/internal/fastpath"
	"github.com/blueplane/blueplane/internal/metricstore"
	"github.com/blueplane/blueplane/internal/observability"
	"github.com/blueplane/blueplane/internal/queue"
	"github.com/blueplane/blueplane/internal/router"
	"github.com/blueplane/blueplane/internal/server"
	"github.com/blueplane/blueplane/internal/session"
	"github.com/blueplane/blueplane/internal/tracestore"
	"github.com/blueplane/blueplane/internal/workers"
)

// App manages all Blueplane service lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	queue    queue.Queue
	traces   tracestore.TraceStore
	convs    convstore.ConversationStore
	metrics  metricstore.MetricStore
	sessions *session.Persistence
	notifier *router.Notifier
	usage    *observability.UsageStats
	shutdown *server.ShutdownManager

	// Service components
	consumer   *fastpath.Consumer
	sweeper    *session.Sweeper
	pool       *workers.Pool
	httpServer *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
	}, nil
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunFastPath() {
		if err := a.startFastPath(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start fast-path service: %w", err)
		}
	}

	if a.cfg.ShouldRunWorkers() {
		if err := a.startWorkers(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	if a.cfg.ShouldRunHTTP() {
		if err := a.startHTTP(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start analytics API: %w", err)
		}
	}

	log.Printf("Blueplane started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources opens the queue and the three durable stores. Every
// mode shares the same set: the fast path writes traces, the workers read
// traces and write the derived stores, and the API reads all three.
func (a *App) initSharedResources() error {
	q, err := queue.NewStreamQueue(a.cfg.Queue.DBPath, queue.StreamOptions{
		MaxLen:       a.cfg.Queue.MaxLen,
		TrimInterval: a.cfg.Queue.TrimInterval,
		MinIdle:      a.cfg.Queue.MinIdle,
	})
	if err != nil {
		return fmt.Errorf("failed to open stream queue: %w", err)
	}
	a.queue = q
	log.Printf("Stream queue opened: %s", a.cfg.Queue.DBPath)

	traces, err := tracestore.NewSQLiteTraceStore(a.cfg.Storage.TraceDBPath)
	if err != nil {
		return fmt.Errorf("failed to open trace store: %w", err)
	}
	a.traces = traces

	convs, err := convstore.NewSQLiteConversationStore(a.cfg.Storage.ConversationDBPath)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	a.convs = convs

	metrics, err := metricstore.NewSQLiteMetricStore(a.cfg.Storage.MetricsDBPath)
	if err != nil {
		return fmt.Errorf("failed to open metric store: %w", err)
	}
	a.metrics = metrics
	log.Printf("Stores opened: traces=%s conversations=%s metrics=%s",
		a.cfg.Storage.TraceDBPath, a.cfg.Storage.ConversationDBPath, a.cfg.Storage.MetricsDBPath)

	a.sessions = session.NewPersistence(a.convs)
	a.notifier = router.NewNotifier(64)
	a.usage = observability.NewUsageStats(time.Hour)
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())

	return nil
}

// startFastPath starts the sequencing consumer and the stale-session sweeper.
func (a *App) startFastPath(ctx context.Context) error {
	a.consumer = fastpath.NewConsumer(fastpath.Config{
		EventStream:   a.cfg.Queue.EventStream,
		CDCStream:     a.cfg.Queue.CDCStream,
		Group:         a.cfg.FastPath.Group,
		Consumer:      a.cfg.FastPath.Consumer,
		BatchSize:     a.cfg.FastPath.BatchSize,
		BlockDuration: a.cfg.Queue.BlockDuration,
		Retry: &fastpath.RetryPolicy{
			MaxAttempts:  a.cfg.FastPath.MaxRetries,
			InitialDelay: a.cfg.FastPath.RetryBackoff,
			Multiplier:   2.0,
			MaxDelay:     a.cfg.FastPath.RetryBackoffMax,
		},
	}, a.queue, a.traces, a.sessions)
	a.consumer.SetNotifier(a.notifier)
	a.consumer.SetUsageStats(a.usage)

	if err := a.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	log.Printf("Fast-path consumer started: stream=%s group=%s batch=%d",
		a.cfg.Queue.EventStream, a.cfg.FastPath.Group, a.cfg.FastPath.BatchSize)

	a.sweeper = session.NewSweeper(session.SweeperConfig{
		IdleTimeout:   a.cfg.Session.IdleTimeout,
		SweepInterval: a.cfg.Session.SweepInterval,
	}, a.sessions, a.traces)

	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	log.Printf("Session sweeper started: idle_timeout=%s interval=%s",
		a.cfg.Session.IdleTimeout, a.cfg.Session.SweepInterval)

	return nil
}

// startWorkers starts the slow-path pool with the metrics and conversation
// workers.
func (a *App) startWorkers(ctx context.Context) error {
	a.pool = workers.NewPool(workers.PoolConfig{
		CDCStream:         a.cfg.Queue.CDCStream,
		ReadBatch:         a.cfg.Workers.ReadBatch,
		BlockDuration:     a.cfg.Queue.BlockDuration,
		RestartBackoff:    a.cfg.Workers.RestartBackoff,
		RestartBackoffMax: a.cfg.Workers.RestartBackoffMax,
		ShutdownTimeout:   a.cfg.Workers.ShutdownTimeout,
	}, a.queue,
		workers.NewMetricsWorker(a.traces, a.metrics),
		workers.NewConversationWorker(a.traces, a.convs),
	)

	if err := a.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}
	log.Printf("Worker pool started: stream=%s batch=%d", a.cfg.Queue.CDCStream, a.cfg.Workers.ReadBatch)

	return nil
}

// startHTTP starts the read-only analytics API server.
func (a *App) startHTTP(ctx context.Context) error {
	api := httpapi.NewAPI(a.traces, a.convs, a.metrics)
	api.SetNotifier(a.notifier)
	api.SetUsageStats(a.usage)

	handler := server.ShutdownMiddleware(a.shutdown)(api.Handler())

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Analytics HTTP server listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Analytics HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops all services and releases resources. Producers of
// derived state stop before the stores they write: consumer and sweeper
// first, then the worker pool, then the HTTP server, then the stores and
// queue.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.sweeper != nil {
		if err := a.sweeper.Stop(); err != nil {
			log.Printf("Session sweeper stop error: %v", err)
		}
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(); err != nil {
			log.Printf("Fast-path consumer stop error: %v", err)
		}
	}

	if a.pool != nil {
		if err := a.pool.Stop(); err != nil {
			log.Printf("Worker pool stop error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Analytics server shutdown error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines finished
	case <-shutdownCtx.Done():
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()

	log.Printf("Blueplane stopped")
	return nil
}

// cleanup closes the stores and the queue.
func (a *App) cleanup() {
	if a.metrics != nil {
		a.metrics.Close()
	}
	if a.convs != nil {
		a.convs.Close()
	}
	if a.traces != nil {
		a.traces.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
