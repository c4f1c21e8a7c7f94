// Package main implements the blueplane-emit tool.
// It publishes synthetic telemetry sessions to the event stream, which is
// useful for exercising a running pipeline or seeding a local environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/blueplane/blueplane/internal/event"
	"github.com/blueplane/blueplane/internal/queue"
	"github.com/blueplane/blueplane/pkg/types"
)

// Config holds the emitter configuration.
type Config struct {
	QueueDBPath string
	Stream      string
	Sessions    int
	Turns       int
	Platform    string
	Interval    time.Duration
	EndSessions bool
}

func main() {
	cfg := parseFlags()

	log.Printf("Starting blueplane-emit...")
	log.Printf("Queue: %s, stream: %s", cfg.QueueDBPath, cfg.Stream)

	q, err := queue.NewStreamQueue(cfg.QueueDBPath, queue.DefaultStreamOptions())
	if err != nil {
		log.Fatalf("Failed to open stream queue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	total := 0

	for s := 0; s < cfg.Sessions; s++ {
		sessionID := fmt.Sprintf("emit-%s", uuid.New().String()[:8])
		em := &emitter{queue: q, stream: cfg.Stream, platform: cfg.Platform, sessionID: sessionID}

		if err := em.session(ctx, cfg); err != nil {
			log.Fatalf("Failed to emit session %s: %v", sessionID, err)
		}
		total += em.count
		log.Printf("Emitted session %s: %d events", sessionID, em.count)

		if cfg.Interval > 0 && s < cfg.Sessions-1 {
			time.Sleep(cfg.Interval)
		}
	}

	log.Printf("Done: %d sessions, %d events", cfg.Sessions, total)
}

// emitter publishes one synthetic session's event stream.
type emitter struct {
	queue     *queue.StreamQueue
	stream    string
	platform  string
	sessionID string
	seq       int64
	count     int
}

func (e *emitter) session(ctx context.Context, cfg Config) error {
	if err := e.emit(ctx, "session_start", map[string]interface{}{
		"workspace_hash": fmt.Sprintf("ws-%s", e.sessionID),
		"workspace_name": "synthetic",
		"workspace_path": "/tmp/synthetic",
	}); err != nil {
		return err
	}

	for t := 0; t < cfg.Turns; t++ {
		if err := e.emit(ctx, "user_prompt", map[string]interface{}{
			"content_hash": uuid.New().String(),
			"tokens_used":  float64(20 + rand.Intn(200)),
		}); err != nil {
			return err
		}

		if err := e.emit(ctx, "assistant_response", map[string]interface{}{
			"content_hash": uuid.New().String(),
			"tokens_used":  float64(100 + rand.Intn(900)),
			"latency_ms":   float64(200 + rand.Intn(3000)),
		}); err != nil {
			return err
		}

		// Roughly half the turns produce an edit.
		if rand.Intn(2) == 0 {
			if err := e.emit(ctx, "file_edit", map[string]interface{}{
				"file_extension": ".go",
				"operation":      "update",
				"lines_added":    float64(1 + rand.Intn(40)),
				"lines_removed":  float64(rand.Intn(15)),
				"accepted":       true,
			}); err != nil {
				return err
			}
		}
	}

	if cfg.EndSessions {
		if err := e.emit(ctx, "session_end", map[string]interface{}{
			"reason": "normal",
		}); err != nil {
			return err
		}
	}

	return nil
}

func (e *emitter) emit(ctx context.Context, hookType string, payload map[string]interface{}) error {
	e.seq++
	raw := &types.RawEvent{
		EventID:           uuid.New().String(),
		Platform:          e.platform,
		ExternalSessionID: e.sessionID,
		HookType:          hookType,
		Timestamp:         time.Now().UTC(),
		SequenceNum:       e.seq,
		Payload:           payload,
	}

	fields, err := event.FieldsFromRawEvent(raw)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := e.queue.Publish(ctx, e.stream, fields); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	e.count++
	return nil
}

func parseFlags() Config {
	var cfg Config

	flag.StringVar(&cfg.QueueDBPath, "queue", "./data/blueplane/queue.db", "Path to the stream queue database")
	flag.StringVar(&cfg.Stream, "stream", "telemetry:events", "Event stream name")
	flag.IntVar(&cfg.Sessions, "sessions", 1, "Number of synthetic sessions to emit")
	flag.IntVar(&cfg.Turns, "turns", 5, "Prompt/response turns per session")
	flag.StringVar(&cfg.Platform, "platform", "claude_code", "Platform identifier for emitted events")
	flag.DurationVar(&cfg.Interval, "interval", 0, "Pause between sessions")
	flag.BoolVar(&cfg.EndSessions, "end", true, "Emit session_end events (disable to leave sessions open)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "blueplane-emit - synthetic telemetry producer\n\n")
		fmt.Fprintf(os.Stderr, "Usage: blueplane-emit [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  blueplane-emit --sessions 10 --turns 8\n")
		fmt.Fprintf(os.Stderr, "  blueplane-emit --end=false   # leave sessions open for the sweeper\n")
	}

	flag.Parse()

	if cfg.Sessions <= 0 || cfg.Turns < 0 {
		fmt.Fprintln(os.Stderr, "sessions must be positive and turns non-negative")
		os.Exit(1)
	}

	return cfg
}
