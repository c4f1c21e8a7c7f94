// Package metricstore provides the derived aggregate metrics store. Metrics
// are written exclusively by the metrics worker; applied trace sequences are
// recorded in the same transaction as the aggregate updates so that CDC
// redelivery never double-counts.
package metricstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/pkg/types"
)

// Update is one aggregate mutation produced from a trace record.
type Update struct {
	Name  string
	Tags  map[string]string
	Kind  types.MetricKind
	Value float64
}

// MetricStore is the contract for the derived metrics state.
type MetricStore interface {
	// Apply applies every update atomically, guarded by (worker, sequence).
	// A sequence already applied for the worker is a no-op.
	Apply(ctx context.Context, worker string, sequence uint64, updates []Update) (bool, error)

	// Applied reports whether the worker already applied the sequence.
	Applied(ctx context.Context, worker string, sequence uint64) (bool, error)

	// MaxApplied returns the highest sequence the worker has applied, 0 when
	// it has applied none.
	MaxApplied(ctx context.Context, worker string) (uint64, error)

	// Get returns a single metric by name and canonical tag key.
	Get(ctx context.Context, name, tagKey string) (*types.Metric, error)

	// GetByCategory returns every metric whose name starts with the prefix.
	GetByCategory(ctx context.Context, prefix string) ([]types.Metric, error)

	// Close closes the store.
	Close() error
}

// SQLiteMetricStore implements MetricStore using SQLite.
type SQLiteMetricStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // Write-only lock
}

const metricSchema = `
CREATE TABLE IF NOT EXISTS metrics (
	name       TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	value      REAL NOT NULL DEFAULT 0,
	count      INTEGER NOT NULL DEFAULT 0,
	sum        REAL NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (name, tags)
);

CREATE TABLE IF NOT EXISTS applied (
	worker   TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	PRIMARY KEY (worker, sequence)
);
`

// NewSQLiteMetricStore opens (or creates) the metrics database.
func NewSQLiteMetricStore(dbPath string) (*SQLiteMetricStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("metricstore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(metricSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("metricstore: failed to initialize schema: %w", err)
	}

	return &SQLiteMetricStore{db: db, dbPath: dbPath}, nil
}

// Apply applies the updates atomically under the (worker, sequence) guard.
// Returns false when the sequence was already applied.
func (s *SQLiteMetricStore) Apply(ctx context.Context, worker string, sequence uint64, updates []Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.NewStorageError(errors.CodeWriteFailed, "failed to begin metrics transaction", err)
	}
	defer tx.Rollback()

	// The guard row commits in the same transaction as the aggregates, so a
	// crash between them cannot split the two.
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied (worker, sequence) VALUES (?, ?)`,
		worker, sequence)
	if err != nil {
		return false, errors.NewStorageError(errors.CodeWriteFailed, "failed to record applied sequence", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewStorageError(errors.CodeWriteFailed, "failed to check applied sequence", err)
	}
	if affected == 0 {
		return false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, u := range updates {
		if err := applyOne(ctx, tx, u, now); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.NewStorageError(errors.CodeWriteFailed, "failed to commit metrics", err)
	}
	return true, nil
}

func applyOne(ctx context.Context, tx *sql.Tx, u Update, now string) error {
	tagKey := types.TagKey(u.Tags)

	var query string
	switch u.Kind {
	case types.MetricCounter:
		query = `
			INSERT INTO metrics (name, tags, kind, value, count, sum, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (name, tags) DO UPDATE SET
				value = value + excluded.value,
				count = count + 1,
				sum = sum + excluded.sum,
				updated_at = excluded.updated_at`
	case types.MetricGauge:
		query = `
			INSERT INTO metrics (name, tags, kind, value, count, sum, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (name, tags) DO UPDATE SET
				value = excluded.value,
				count = count + 1,
				sum = sum + excluded.sum,
				updated_at = excluded.updated_at`
	case types.MetricHistogram:
		// value holds the last observation; count and sum carry the
		// distribution.
		query = `
			INSERT INTO metrics (name, tags, kind, value, count, sum, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (name, tags) DO UPDATE SET
				value = excluded.value,
				count = count + 1,
				sum = sum + excluded.sum,
				updated_at = excluded.updated_at`
	default:
		return errors.NewValidationError(errors.CodeMalformedEntry,
			fmt.Sprintf("unknown metric kind %q", u.Kind))
	}

	if _, err := tx.ExecContext(ctx, query,
		u.Name, tagKey, string(u.Kind), u.Value, u.Value, now); err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed,
			fmt.Sprintf("failed to apply metric %s", u.Name), err)
	}
	return nil
}

// Applied reports whether the worker already applied the sequence.
func (s *SQLiteMetricStore) Applied(ctx context.Context, worker string, sequence uint64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied WHERE worker = ? AND sequence = ?`,
		worker, sequence).Scan(&n)
	if err != nil {
		return false, errors.NewStorageError(errors.CodeReadFailed, "failed to check applied sequence", err)
	}
	return n > 0, nil
}

// MaxApplied returns the highest applied sequence for the worker.
func (s *SQLiteMetricStore) MaxApplied(ctx context.Context, worker string) (uint64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM applied WHERE worker = ?`, worker).Scan(&max)
	if err != nil {
		return 0, errors.NewStorageError(errors.CodeReadFailed, "failed to read max applied sequence", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// Get returns a single metric by name and canonical tag key.
func (s *SQLiteMetricStore) Get(ctx context.Context, name, tagKey string) (*types.Metric, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, tags, kind, value, count, sum, updated_at
		FROM metrics WHERE name = ? AND tags = ?`, name, tagKey)

	metric, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCategoryStorage, errors.CodeTraceNotFound,
			fmt.Sprintf("no metric %s{%s}", name, tagKey))
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to read metric", err)
	}
	return metric, nil
}

// GetByCategory returns every metric whose name starts with the prefix.
func (s *SQLiteMetricStore) GetByCategory(ctx context.Context, prefix string) ([]types.Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, tags, kind, value, count, sum, updated_at
		FROM metrics WHERE name LIKE ? || '%'
		ORDER BY name, tags`, prefix)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to query metrics", err)
	}
	defer rows.Close()

	var metrics []types.Metric
	for rows.Next() {
		metric, err := scanMetric(rows)
		if err != nil {
			return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to scan metric", err)
		}
		metrics = append(metrics, *metric)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to iterate metrics", err)
	}
	return metrics, nil
}

// Close closes the store.
func (s *SQLiteMetricStore) Close() error {
	return s.db.Close()
}

func scanMetric(row interface{ Scan(...interface{}) error }) (*types.Metric, error) {
	var (
		metric    types.Metric
		kind      string
		tagKey    string
		updatedAt string
	)
	if err := row.Scan(&metric.Name, &tagKey, &kind, &metric.Value,
		&metric.Count, &metric.Sum, &updatedAt); err != nil {
		return nil, err
	}
	metric.Kind = types.MetricKind(kind)
	metric.Tags = types.ParseTagKey(tagKey)
	if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		metric.UpdatedAt = parsed
	}
	return &metric, nil
}
