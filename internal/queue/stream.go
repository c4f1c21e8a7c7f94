package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/blueplane/blueplane/internal/errors"
)

// StreamOptions configures a StreamQueue.
type StreamOptions struct {
	// MaxLen is the approximate maximum entries retained per stream.
	MaxLen int64

	// TrimInterval is how many publishes pass between trim sweeps. Trimming
	// on every publish would make retention exact but pay a delete per
	// insert; the bound only needs to be approximate.
	TrimInterval int64

	// MinIdle is how long a delivered entry stays owned by its consumer
	// before another consumer in the group may claim it.
	MinIdle time.Duration

	// PollInterval is the sleep between polls during a blocking read.
	PollInterval time.Duration
}

// DefaultStreamOptions returns options matching the pipeline defaults.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		MaxLen:       10000,
		TrimInterval: 64,
		MinIdle:      30 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// StreamQueue implements Queue on a SQLite database. Entry fields are stored
// as snappy-compressed JSON. A single write connection serializes all
// mutations; WAL mode keeps the fsync cost per publish acceptable.
type StreamQueue struct {
	db   *sql.DB
	opts StreamOptions
}

const streamSchema = `
CREATE TABLE IF NOT EXISTS stream_entries (
	stream       TEXT NOT NULL,
	id           INTEGER NOT NULL,
	fields       BLOB NOT NULL,
	published_at INTEGER NOT NULL,
	PRIMARY KEY (stream, id)
);

CREATE TABLE IF NOT EXISTS stream_heads (
	stream        TEXT PRIMARY KEY,
	next_id       INTEGER NOT NULL,
	publish_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stream_groups (
	stream TEXT NOT NULL,
	grp    TEXT NOT NULL,
	cursor INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (stream, grp)
);

CREATE TABLE IF NOT EXISTS stream_pending (
	stream         TEXT NOT NULL,
	grp            TEXT NOT NULL,
	id             INTEGER NOT NULL,
	consumer       TEXT NOT NULL,
	delivered_at   INTEGER NOT NULL,
	delivery_count INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (stream, grp, id)
);
`

// NewStreamQueue opens (or creates) a stream queue database at dbPath.
func NewStreamQueue(dbPath string, opts StreamOptions) (*StreamQueue, error) {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 10000
	}
	if opts.TrimInterval <= 0 {
		opts.TrimInterval = 64
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("queue: failed to open database: %w", err)
	}
	// Reads mutate group state (cursor, pending), so everything goes through
	// the single write connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q := &StreamQueue{db: db, opts: opts}
	if _, err := db.Exec(streamSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: failed to initialize schema: %w", err)
	}

	return q, nil
}

// Publish appends an entry and auto-trims the stream.
func (q *StreamQueue) Publish(ctx context.Context, stream string, fields map[string]string) (int64, error) {
	encoded, err := encodeFields(fields)
	if err != nil {
		return 0, fmt.Errorf("queue: failed to encode fields: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to begin publish transaction", err)
	}
	defer tx.Rollback()

	var nextID, publishCount int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO stream_heads (stream, next_id, publish_count) VALUES (?, 1, 1)
		ON CONFLICT(stream) DO UPDATE SET next_id = next_id + 1, publish_count = publish_count + 1
		RETURNING next_id, publish_count`, stream).Scan(&nextID, &publishCount)
	if err != nil {
		return 0, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to advance stream head", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stream_entries (stream, id, fields, published_at) VALUES (?, ?, ?, ?)`,
		stream, nextID, encoded, time.Now().UnixNano())
	if err != nil {
		return 0, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to insert entry", err)
	}

	if publishCount%q.opts.TrimInterval == 0 {
		if err := q.trimLocked(ctx, tx, stream, nextID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to commit publish", err)
	}
	return nextID, nil
}

// trimLocked deletes entries beyond MaxLen within the publish transaction.
func (q *StreamQueue) trimLocked(ctx context.Context, tx *sql.Tx, stream string, headID int64) error {
	floor := headID - q.opts.MaxLen
	if floor <= 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM stream_entries WHERE stream = ? AND id <= ?`, stream, floor); err != nil {
		return errors.NewQueueError(errors.CodeQueueUnavailable, "failed to trim stream", err)
	}
	// Pending rows pointing at trimmed entries can never be delivered again.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM stream_pending WHERE stream = ? AND id <= ?`, stream, floor); err != nil {
		return errors.NewQueueError(errors.CodeQueueUnavailable, "failed to trim pending", err)
	}
	return nil
}

// Read delivers entries to the consumer, blocking up to block.
func (q *StreamQueue) Read(ctx context.Context, stream, group, consumer string, block time.Duration, count int) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}

	deadline := time.Now().Add(block)
	for {
		entries, err := q.readOnce(ctx, stream, group, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

// readOnce performs one non-blocking delivery attempt in a single transaction:
// pending entries first (the consumer's own unacked entries, plus other
// consumers' entries idle past MinIdle), then new entries past the group's
// cursor.
func (q *StreamQueue) readOnce(ctx context.Context, stream, group, consumer string, count int) ([]Entry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to begin read transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO stream_groups (stream, grp, cursor) VALUES (?, ?, 0)`,
		stream, group); err != nil {
		return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to ensure group", err)
	}

	now := time.Now()
	var entries []Entry

	// Redeliver a consumer's own pending entries immediately; another
	// consumer may only claim them once they have sat idle past MinIdle.
	idleCutoff := now.Add(-q.opts.MinIdle).UnixNano()
	rows, err := tx.QueryContext(ctx, `
		SELECT p.id, p.delivery_count, e.fields
		FROM stream_pending p
		JOIN stream_entries e ON e.stream = p.stream AND e.id = p.id
		WHERE p.stream = ? AND p.grp = ? AND (p.consumer = ? OR p.delivered_at < ?)
		ORDER BY p.id
		LIMIT ?`, stream, group, consumer, idleCutoff, count)
	if err != nil {
		return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to query pending", err)
	}
	claimed, err := scanEntries(rows, true)
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE stream_pending SET consumer = ?, delivered_at = ?, delivery_count = delivery_count + 1
			WHERE stream = ? AND grp = ? AND id = ?`,
			consumer, now.UnixNano(), stream, group, claimed[i].ID); err != nil {
			return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to claim pending entry", err)
		}
	}
	entries = append(entries, claimed...)

	// Deliver new entries past the cursor.
	if remaining := count - len(entries); remaining > 0 {
		var cursor int64
		if err := tx.QueryRowContext(ctx, `
			SELECT cursor FROM stream_groups WHERE stream = ? AND grp = ?`,
			stream, group).Scan(&cursor); err != nil {
			return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to read cursor", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, 0, fields FROM stream_entries
			WHERE stream = ? AND id > ?
			ORDER BY id
			LIMIT ?`, stream, cursor, remaining)
		if err != nil {
			return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to query entries", err)
		}
		fresh, err := scanEntries(rows, false)
		if err != nil {
			return nil, err
		}

		for i := range fresh {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stream_pending (stream, grp, id, consumer, delivered_at, delivery_count)
				VALUES (?, ?, ?, ?, ?, 1)`,
				stream, group, fresh[i].ID, consumer, now.UnixNano()); err != nil {
				return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to record pending entry", err)
			}
		}
		if len(fresh) > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE stream_groups SET cursor = ? WHERE stream = ? AND grp = ?`,
				fresh[len(fresh)-1].ID, stream, group); err != nil {
				return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to advance cursor", err)
			}
		}
		entries = append(entries, fresh...)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to commit read", err)
	}
	return entries, nil
}

// Ack removes one delivered entry from the group's pending set.
func (q *StreamQueue) Ack(ctx context.Context, stream, group string, id int64) error {
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM stream_pending WHERE stream = ? AND grp = ? AND id = ?`,
		stream, group, id); err != nil {
		return errors.NewQueueError(errors.CodeQueueUnavailable, "failed to ack entry", err)
	}
	return nil
}

// Len returns the number of retained entries in the stream.
func (q *StreamQueue) Len(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_entries WHERE stream = ?`, stream).Scan(&n)
	if err != nil {
		return 0, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to count entries", err)
	}
	return n, nil
}

// PendingCount returns how many delivered-but-unacked entries the group holds.
func (q *StreamQueue) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_pending WHERE stream = ? AND grp = ?`, stream, group).Scan(&n)
	if err != nil {
		return 0, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to count pending", err)
	}
	return n, nil
}

// Close closes the queue database.
func (q *StreamQueue) Close() error {
	return q.db.Close()
}

// scanEntries drains a query of (id, delivery_count, fields) rows.
func scanEntries(rows *sql.Rows, redelivery bool) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var blob []byte
		if err := rows.Scan(&e.ID, &e.DeliveryCount, &blob); err != nil {
			return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to scan entry", err)
		}
		fields, err := decodeFields(blob)
		if err != nil {
			return nil, fmt.Errorf("queue: corrupt entry %d: %w", e.ID, err)
		}
		e.Fields = fields
		if redelivery {
			e.DeliveryCount++
		} else {
			e.DeliveryCount = 1
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewQueueError(errors.CodeQueueUnavailable, "failed to iterate entries", err)
	}
	return entries, nil
}

// encodeFields serializes a field map as snappy-compressed JSON.
func encodeFields(fields map[string]string) ([]byte, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

// decodeFields reverses encodeFields.
func decodeFields(blob []byte) (map[string]string, error) {
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
