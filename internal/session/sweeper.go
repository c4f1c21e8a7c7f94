package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/blueplane/blueplane/internal/observability"
)

// ActivitySource reports when a session last produced an event.
type ActivitySource interface {
	LastActivity(ctx context.Context, sessionID string) (time.Time, error)
}

// SweeperConfig holds configuration for the idle-session sweeper.
type SweeperConfig struct {
	// IdleTimeout is how long a session may go without events before it is
	// ended with the timeout reason.
	IdleTimeout time.Duration

	// SweepInterval is how often the sweeper scans for idle sessions.
	SweepInterval time.Duration
}

// Sweeper ends sessions that have been idle past the timeout. It runs as a
// background loop next to the worker pool.
type Sweeper struct {
	config      SweeperConfig
	persistence *Persistence
	activity    ActivitySource

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper creates an idle-session sweeper.
func NewSweeper(config SweeperConfig, persistence *Persistence, activity ActivitySource) *Sweeper {
	return &Sweeper{
		config:      config,
		persistence: persistence,
		activity:    activity,
	}
}

// Start begins the sweep loop. It runs until the context is cancelled or
// Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session: sweeper is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	<-s.done
	s.running = false
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single idle scan and returns the number of sessions
// it timed out.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	active, err := s.persistence.ActiveSessions(ctx)
	if err != nil {
		log.Printf("session: failed to list active sessions: %v", err)
		return 0
	}

	now := time.Now().UTC()
	timedOut := 0
	for _, sess := range active {
		if ctx.Err() != nil {
			return timedOut
		}

		last, err := s.activity.LastActivity(ctx, sess.InternalID)
		if err != nil {
			log.Printf("session: failed to read activity for %s: %v", sess.ExternalSessionID, err)
			continue
		}
		if last.IsZero() {
			// No events yet; idle from the session's own start.
			last = sess.StartedAt
		}
		if now.Sub(last) < s.config.IdleTimeout {
			continue
		}

		if err := s.persistence.MarkSessionTimeout(ctx, sess.ExternalSessionID); err != nil {
			log.Printf("session: failed to time out %s: %v", sess.ExternalSessionID, err)
			continue
		}
		log.Printf("session: timed out idle session %s (last activity %s)",
			sess.ExternalSessionID, last.Format(time.RFC3339))
		observability.SessionsTimedOut.Inc()
		timedOut++
	}
	return timedOut
}
