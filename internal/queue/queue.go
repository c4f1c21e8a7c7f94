// Package queue provides a durable, trimmable, multi-consumer-group stream
// queue backed by SQLite. It is the event bus in front of the pipeline: the
// capture layer publishes raw events, the fast path consumes them, and the
// CDC stream fans out to the slow-path workers.
//
// Delivery is at-least-once: an entry read but not acknowledged becomes
// claimable again after a minimum idle period, so consumers must apply
// entries idempotently.
package queue

import (
	"context"
	"time"
)

// Entry is one delivered stream entry.
type Entry struct {
	// ID is the per-stream monotonic entry identifier.
	ID int64

	// Fields is the flat string-keyed field map published with the entry.
	Fields map[string]string

	// DeliveryCount is how many times this entry has been delivered to the
	// reading group, including this delivery.
	DeliveryCount int
}

// Queue is the stream bus contract shared by the fast path and the workers.
// Multiple consumer groups may read the same stream at independent cursors.
type Queue interface {
	// Publish appends an entry to the stream and returns its ID. Streams are
	// auto-trimmed to an approximate maximum length.
	Publish(ctx context.Context, stream string, fields map[string]string) (int64, error)

	// Read delivers up to count entries to the named consumer within the
	// group, blocking up to block for new entries. Entries previously
	// delivered to the group but never acknowledged are redelivered once
	// their idle period expires. An empty result after the block duration
	// is not an error.
	Read(ctx context.Context, stream, group, consumer string, block time.Duration, count int) ([]Entry, error)

	// Ack acknowledges one delivered entry for the group, removing it from
	// the group's pending set.
	Ack(ctx context.Context, stream, group string, id int64) error

	// Len returns the number of entries currently retained in the stream.
	Len(ctx context.Context, stream string) (int64, error)

	// Close releases the underlying storage.
	Close() error
}
