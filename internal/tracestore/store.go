// Package tracestore provides the durable log of trace records: the
// append-only, sequence-indexed source of truth for the pipeline. Rows are
// written only by the fast-path consumer and never mutated after insert.
package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/pkg/types"
)

// TraceStore is the durable log contract.
type TraceStore interface {
	// InsertBatch inserts records in one transaction, skipping event IDs
	// already present, and assigns sequences contiguously from startSeq to
	// the records actually inserted. Duplicates consume no sequence, so the
	// log stays gap-free even under at-least-once redelivery. Returns the
	// inserted records with Sequence and IngestedAt populated.
	InsertBatch(ctx context.Context, records []*types.TraceRecord, startSeq uint64) ([]*types.TraceRecord, error)

	// MaxSequence returns the highest assigned sequence, or 0 for an empty
	// log. Used by the fast path to recover its counter after a restart.
	MaxSequence(ctx context.Context) (uint64, error)

	// GetBySequence retrieves one record by its global sequence.
	GetBySequence(ctx context.Context, seq uint64) (*types.TraceRecord, error)

	// GetSessionEvents returns all records for a session in sequence order.
	GetSessionEvents(ctx context.Context, sessionID string) ([]*types.TraceRecord, error)

	// LastActivity returns the timestamp of the most recent event for a
	// session, or the zero time when it has none.
	LastActivity(ctx context.Context, sessionID string) (time.Time, error)

	// CalculateSessionMetrics aggregates a session's records into totals.
	CalculateSessionMetrics(ctx context.Context, sessionID string) (*types.SessionMetrics, error)

	// Close closes the store.
	Close() error
}

// SQLiteTraceStore implements TraceStore using SQLite.
type SQLiteTraceStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock
}

const traceSchema = `
CREATE TABLE IF NOT EXISTS raw_traces (
	sequence            INTEGER PRIMARY KEY,
	event_id            TEXT NOT NULL UNIQUE,
	session_id          TEXT NOT NULL,
	external_session_id TEXT NOT NULL DEFAULT '',
	event_type          TEXT NOT NULL,
	platform            TEXT NOT NULL,
	timestamp           TEXT NOT NULL,
	ingested_at         TEXT NOT NULL,
	metadata_json       TEXT,
	payload_json        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_traces_session ON raw_traces(session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_raw_traces_type ON raw_traces(event_type);
`

// NewSQLiteTraceStore opens (or creates) the trace database at dbPath.
func NewSQLiteTraceStore(dbPath string) (*SQLiteTraceStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("tracestore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(traceSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracestore: failed to initialize schema: %w", err)
	}

	// Read connection pool opened after the schema exists on disk.
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tracestore: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	return &SQLiteTraceStore{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}, nil
}

// InsertBatch inserts non-duplicate records in one transaction.
func (s *SQLiteTraceStore) InsertBatch(ctx context.Context, records []*types.TraceRecord, startSeq uint64) ([]*types.TraceRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "failed to begin batch transaction", err)
	}
	defer tx.Rollback()

	existsStmt, err := tx.PrepareContext(ctx, `SELECT 1 FROM raw_traces WHERE event_id = ?`)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "failed to prepare dedup check", err)
	}
	defer existsStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_traces (
			sequence, event_id, session_id, external_session_id, event_type,
			platform, timestamp, ingested_at, metadata_json, payload_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "failed to prepare insert", err)
	}
	defer insertStmt.Close()

	ingestedAt := time.Now().UTC()
	var inserted []*types.TraceRecord
	seq := startSeq

	for _, rec := range records {
		var one int
		err := existsStmt.QueryRowContext(ctx, rec.EventID).Scan(&one)
		if err == nil {
			// Dedup hit: at-least-once redelivery, not an error.
			continue
		}
		if err != sql.ErrNoRows {
			return nil, errors.NewStorageError(errors.CodeWriteFailed, "dedup check failed", err)
		}

		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("tracestore: failed to encode payload for %s: %w", rec.EventID, err)
		}
		var metadataJSON []byte
		if len(rec.Metadata) > 0 {
			metadataJSON, err = json.Marshal(rec.Metadata)
			if err != nil {
				return nil, fmt.Errorf("tracestore: failed to encode metadata for %s: %w", rec.EventID, err)
			}
		}

		rec.Sequence = seq
		rec.IngestedAt = ingestedAt

		if _, err := insertStmt.ExecContext(ctx,
			rec.Sequence, rec.EventID, rec.SessionID, rec.ExternalSessionID,
			string(rec.EventType), rec.Platform,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			ingestedAt.Format(time.RFC3339Nano),
			nullableString(metadataJSON), string(payloadJSON)); err != nil {
			return nil, errors.NewStorageError(errors.CodeWriteFailed, "failed to insert trace record", err)
		}

		inserted = append(inserted, rec)
		seq++
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "failed to commit batch", err)
	}
	return inserted, nil
}

// MaxSequence returns the highest assigned sequence, or 0 for an empty log.
func (s *SQLiteTraceStore) MaxSequence(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	err := s.readDB.QueryRowContext(ctx, `SELECT MAX(sequence) FROM raw_traces`).Scan(&max)
	if err != nil {
		return 0, errors.NewStorageError(errors.CodeReadFailed, "failed to read max sequence", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// LastActivity returns the timestamp of the most recent event for a session.
// Returns the zero time when the session has no events yet.
func (s *SQLiteTraceStore) LastActivity(ctx context.Context, sessionID string) (time.Time, error) {
	var last sql.NullString
	err := s.readDB.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM raw_traces WHERE session_id = ?`, sessionID).Scan(&last)
	if err != nil {
		return time.Time{}, errors.NewStorageError(errors.CodeReadFailed, "failed to read last activity", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, last.String)
	if err != nil {
		return time.Time{}, nil
	}
	return parsed, nil
}

// GetBySequence retrieves one record by its global sequence.
func (s *SQLiteTraceStore) GetBySequence(ctx context.Context, seq uint64) (*types.TraceRecord, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT sequence, event_id, session_id, external_session_id, event_type,
		       platform, timestamp, ingested_at, metadata_json, payload_json
		FROM raw_traces WHERE sequence = ?`, seq)

	rec, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCategoryStorage, errors.CodeTraceNotFound,
			fmt.Sprintf("no trace record at sequence %d", seq))
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to read trace record", err)
	}
	return rec, nil
}

// GetSessionEvents returns all records for a session in sequence order.
func (s *SQLiteTraceStore) GetSessionEvents(ctx context.Context, sessionID string) ([]*types.TraceRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT sequence, event_id, session_id, external_session_id, event_type,
		       platform, timestamp, ingested_at, metadata_json, payload_json
		FROM raw_traces WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to query session events", err)
	}
	defer rows.Close()

	var records []*types.TraceRecord
	for rows.Next() {
		rec, err := scanTrace(rows)
		if err != nil {
			return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to scan trace record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to iterate session events", err)
	}
	return records, nil
}

// CalculateSessionMetrics aggregates a session's records into totals.
// Numeric payload fields are summed wherever they appear so the totals do
// not depend on which hook kind carried the numbers.
func (s *SQLiteTraceStore) CalculateSessionMetrics(ctx context.Context, sessionID string) (*types.SessionMetrics, error) {
	records, err := s.GetSessionEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m := &types.SessionMetrics{SessionID: sessionID}
	for _, rec := range records {
		m.EventCount++
		m.TotalDurationMs += payloadInt(rec.Payload, "duration_ms")
		m.TotalTokens += payloadInt(rec.Payload, "tokens_used")
		m.TotalLinesAdded += payloadInt(rec.Payload, "lines_added")
		m.TotalLinesRemoved += payloadInt(rec.Payload, "lines_removed")

		switch rec.EventType {
		case types.EventUserPrompt:
			m.PromptCount++
		case types.EventFileEdit:
			m.EditCount++
		}
	}
	return m, nil
}

// Close closes both database connections.
func (s *SQLiteTraceStore) Close() error {
	var firstErr error
	if err := s.readDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// scanner abstracts sql.Row and sql.Rows for scanTrace.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrace(row scanner) (*types.TraceRecord, error) {
	var (
		rec          types.TraceRecord
		eventType    string
		ts, ingested string
		metadataJSON sql.NullString
		payloadJSON  string
	)
	if err := row.Scan(&rec.Sequence, &rec.EventID, &rec.SessionID,
		&rec.ExternalSessionID, &eventType, &rec.Platform,
		&ts, &ingested, &metadataJSON, &payloadJSON); err != nil {
		return nil, err
	}

	rec.EventType = types.EventType(eventType)
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		rec.Timestamp = parsed
	}
	if parsed, err := time.Parse(time.RFC3339Nano, ingested); err == nil {
		rec.IngestedAt = parsed
	}

	rec.Payload = make(map[string]interface{})
	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload at sequence %d: %w", rec.Sequence, err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		rec.Metadata = make(map[string]interface{})
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata at sequence %d: %w", rec.Sequence, err)
		}
	}
	return &rec, nil
}

// payloadInt reads a numeric payload field, tolerating the float64 form
// JSON decoding produces.
func payloadInt(payload map[string]interface{}, key string) int64 {
	switch v := payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
