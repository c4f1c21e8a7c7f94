// Package convstore provides the derived relational store for sessions,
// conversations, turns, and code changes. Conversation state is written
// exclusively by the conversation worker; session rows are managed through
// the session persistence layer.
package convstore

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

// Row ids are ULIDs so id order matches insertion order.
var rowIDs = types.NewULIDGenerator()

func newRowID() (string, error) {
	id, err := rowIDs.Generate()
	if err != nil {
		return "", errors.NewStorageError(errors.CodeWriteFailed, "failed to generate row id", err)
	}
	return id.String(), nil
}

// ConversationStore is the contract for the derived conversation/session state.
type ConversationStore interface {
	// InsertSession inserts a new ACTIVE session row.
	InsertSession(ctx context.Context, s *types.Session) error

	// GetSessionByExternalID returns the session with the given external id,
	// or a SESSION_NOT_FOUND error.
	GetSessionByExternalID(ctx context.Context, externalID string) (*types.Session, error)

	// EndSession sets ended_at (at most once; an already-ended session is
	// left untouched) and merges end_reason into the session metadata.
	// Returns false if no session with the external id exists.
	EndSession(ctx context.Context, externalID string, endedAt time.Time, reason types.EndReason) (bool, error)

	// ActiveSessions returns every session whose ended_at is still null,
	// most recent first.
	ActiveSessions(ctx context.Context) ([]*types.Session, error)

	// GetOrCreateConversation returns the conversation for the session,
	// creating it on first sight. First-seen-wins: concurrent creation for
	// the same session yields one conversation.
	GetOrCreateConversation(ctx context.Context, sessionID, externalSessionID, platform, workspaceHash string, startedAt time.Time) (string, error)

	// AddTurn appends a turn, idempotently keyed by (conversation, sequence).
	// Redelivery of the same trace produces no second row.
	AddTurn(ctx context.Context, turn *types.Turn) (string, error)

	// AddCodeChange appends a code change, idempotently keyed by
	// (conversation, sequence).
	AddCodeChange(ctx context.Context, change *types.CodeChange) (string, error)

	// GetConversationsBySession lists conversations for a session.
	GetConversationsBySession(ctx context.Context, sessionID string) ([]types.Conversation, error)

	// GetConversationFlow returns a conversation with all its turns and
	// code changes in trace order.
	GetConversationFlow(ctx context.Context, conversationID string) (*types.ConversationFlow, error)

	// Close closes the store.
	Close() error
}

// SQLiteConversationStore implements ConversationStore using SQLite.
type SQLiteConversationStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // Write-only lock
}

const convSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	external_session_id TEXT NOT NULL UNIQUE,
	workspace_hash      TEXT NOT NULL DEFAULT '',
	workspace_name      TEXT NOT NULL DEFAULT '',
	workspace_path      TEXT NOT NULL DEFAULT '',
	started_at          TEXT NOT NULL,
	ended_at            TEXT,
	metadata_json       TEXT
);

CREATE TABLE IF NOT EXISTS conversations (
	id                  TEXT PRIMARY KEY,
	session_id          TEXT NOT NULL UNIQUE,
	external_session_id TEXT NOT NULL,
	platform            TEXT NOT NULL DEFAULT '',
	workspace_hash      TEXT NOT NULL DEFAULT '',
	started_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	ordinal         INTEGER NOT NULL,
	turn_type       TEXT NOT NULL,
	content_hash    TEXT NOT NULL DEFAULT '',
	tokens_used     INTEGER NOT NULL DEFAULT 0,
	latency_ms      INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	UNIQUE (conversation_id, sequence)
);

CREATE TABLE IF NOT EXISTS code_changes (
	id                  TEXT PRIMARY KEY,
	conversation_id     TEXT NOT NULL,
	turn_id             TEXT,
	sequence            INTEGER NOT NULL,
	file_extension      TEXT NOT NULL DEFAULT '',
	operation           TEXT NOT NULL DEFAULT '',
	lines_added         INTEGER NOT NULL DEFAULT 0,
	lines_removed       INTEGER NOT NULL DEFAULT 0,
	accepted            INTEGER NOT NULL DEFAULT 0,
	acceptance_delay_ms INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	UNIQUE (conversation_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(ended_at) WHERE ended_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, sequence);
CREATE INDEX IF NOT EXISTS idx_changes_conversation ON code_changes(conversation_id, sequence);
`

// NewSQLiteConversationStore opens (or creates) the conversation database.
func NewSQLiteConversationStore(dbPath string) (*SQLiteConversationStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("convstore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(convSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore: failed to initialize schema: %w", err)
	}

	return &SQLiteConversationStore{db: db, dbPath: dbPath}, nil
}

// InsertSession inserts a new ACTIVE session row.
func (s *SQLiteConversationStore) InsertSession(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metadataJSON interface{}
	if len(session.Metadata) > 0 {
		data, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("convstore: failed to encode session metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, external_session_id, workspace_hash,
			workspace_name, workspace_path, started_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.InternalID, session.ExternalSessionID, session.WorkspaceHash,
		session.WorkspaceName, session.WorkspacePath,
		session.StartedAt.UTC().Format(time.RFC3339Nano), metadataJSON)
	if err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "failed to insert session", err)
	}
	return nil
}

// GetSessionByExternalID returns the session with the given external id.
func (s *SQLiteConversationStore) GetSessionByExternalID(ctx context.Context, externalID string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_session_id, workspace_hash, workspace_name,
		       workspace_path, started_at, ended_at, metadata_json
		FROM sessions WHERE external_session_id = ?`, externalID)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCategorySession, errors.CodeSessionNotFound,
			fmt.Sprintf("no session with external id %s", externalID))
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to read session", err)
	}
	return session, nil
}

// EndSession sets ended_at at most once and merges end_reason into metadata.
func (s *SQLiteConversationStore) EndSession(ctx context.Context, externalID string, endedAt time.Time, reason types.EndReason) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.NewStorageError(errors.CodeWriteFailed, "failed to begin end-session transaction", err)
	}
	defer tx.Rollback()

	var metadataJSON sql.NullString
	var endedAtCol sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT metadata_json, ended_at FROM sessions WHERE external_session_id = ?`,
		externalID).Scan(&metadataJSON, &endedAtCol)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.NewStorageError(errors.CodeReadFailed, "failed to read session for end", err)
	}

	// First end wins entirely: neither the timestamp nor the recorded reason
	// changes once the session is closed.
	if endedAtCol.Valid {
		return true, nil
	}

	metadata := make(map[string]interface{})
	if metadataJSON.Valid && metadataJSON.String != "" {
		// Merge rather than replace; unparseable metadata is rebuilt.
		_ = json.Unmarshal([]byte(metadataJSON.String), &metadata)
	}
	metadata["end_reason"] = string(reason)
	merged, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("convstore: failed to encode merged metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at = ?, metadata_json = ?
		WHERE external_session_id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano), string(merged), externalID); err != nil {
		return false, errors.NewStorageError(errors.CodeWriteFailed, "failed to end session", err)
	}

	if err := tx.Commit(); err != nil {
		return false, errors.NewStorageError(errors.CodeWriteFailed, "failed to commit end-session", err)
	}
	return true, nil
}

// ActiveSessions returns every session whose ended_at is still null.
func (s *SQLiteConversationStore) ActiveSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_session_id, workspace_hash, workspace_name,
		       workspace_path, started_at, ended_at, metadata_json
		FROM sessions WHERE ended_at IS NULL
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to query active sessions", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to scan session", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to iterate sessions", err)
	}
	return sessions, nil
}

// GetOrCreateConversation returns the conversation for the session, creating
// it on first sight.
func (s *SQLiteConversationStore) GetOrCreateConversation(ctx context.Context, sessionID, externalSessionID, platform, workspaceHash string, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, err := newRowID()
	if err != nil {
		return "", err
	}

	// INSERT OR IGNORE on the unique session_id makes creation
	// first-seen-wins under redelivery.
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations
			(id, session_id, external_session_id, platform, workspace_hash, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		convID, sessionID, externalSessionID, platform, workspaceHash,
		startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", errors.NewStorageError(errors.CodeWriteFailed, "failed to create conversation", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE session_id = ?`, sessionID).Scan(&id)
	if err != nil {
		return "", errors.NewStorageError(errors.CodeReadFailed, "failed to read conversation id", err)
	}
	return id, nil
}

// AddTurn appends a turn idempotently. Returns the turn id (existing on
// redelivery).
func (s *SQLiteConversationStore) AddTurn(ctx context.Context, turn *types.Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.NewStorageError(errors.CodeWriteFailed, "failed to begin add-turn transaction", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM turns WHERE conversation_id = ? AND sequence = ?`,
		turn.ConversationID, turn.Sequence).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", errors.NewStorageError(errors.CodeReadFailed, "failed to check existing turn", err)
	}

	var ordinal int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) + 1 FROM turns WHERE conversation_id = ?`,
		turn.ConversationID).Scan(&ordinal); err != nil {
		return "", errors.NewStorageError(errors.CodeReadFailed, "failed to compute turn ordinal", err)
	}

	id, err := newRowID()
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, sequence, ordinal, turn_type,
			content_hash, tokens_used, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, turn.ConversationID, turn.Sequence, ordinal, string(turn.TurnType),
		turn.ContentHash, turn.TokensUsed, turn.LatencyMs,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", errors.NewStorageError(errors.CodeWriteFailed, "failed to insert turn", err)
	}

	if err := tx.Commit(); err != nil {
		return "", errors.NewStorageError(errors.CodeWriteFailed, "failed to commit turn", err)
	}
	return id, nil
}

// AddCodeChange appends a code change idempotently.
func (s *SQLiteConversationStore) AddCodeChange(ctx context.Context, change *types.CodeChange) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.NewStorageError(errors.CodeWriteFailed, "failed to begin add-change transaction", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM code_changes WHERE conversation_id = ? AND sequence = ?`,
		change.ConversationID, change.Sequence).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", errors.NewStorageError(errors.CodeReadFailed, "failed to check existing change", err)
	}

	id, err := newRowID()
	if err != nil {
		return "", err
	}
	accepted := 0
	if change.Accepted {
		accepted = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO code_changes (id, conversation_id, turn_id, sequence,
			file_extension, operation, lines_added, lines_removed,
			accepted, acceptance_delay_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, change.ConversationID, nullIfEmpty(change.TurnID), change.Sequence,
		change.FileExtension, change.Operation, change.LinesAdded, change.LinesRemoved,
		accepted, change.AcceptanceDelayMs,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", errors.NewStorageError(errors.CodeWriteFailed, "failed to insert code change", err)
	}

	if err := tx.Commit(); err != nil {
		return "", errors.NewStorageError(errors.CodeWriteFailed, "failed to commit code change", err)
	}
	return id, nil
}

// GetConversationsBySession lists conversations for a session.
func (s *SQLiteConversationStore) GetConversationsBySession(ctx context.Context, sessionID string) ([]types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.session_id, c.external_session_id, c.platform, c.workspace_hash,
		       c.started_at, (SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id)
		FROM conversations c WHERE c.session_id = ?
		ORDER BY c.started_at`, sessionID)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to query conversations", err)
	}
	defer rows.Close()

	var conversations []types.Conversation
	for rows.Next() {
		var c types.Conversation
		var startedAt string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ExternalSessionID, &c.Platform,
			&c.WorkspaceHash, &startedAt, &c.TurnCount); err != nil {
			return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to scan conversation", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			c.StartedAt = parsed
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to iterate conversations", err)
	}
	return conversations, nil
}

// GetConversationFlow returns a conversation with turns and code changes in
// trace order.
func (s *SQLiteConversationStore) GetConversationFlow(ctx context.Context, conversationID string) (*types.ConversationFlow, error) {
	flow := &types.ConversationFlow{}

	var startedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.session_id, c.external_session_id, c.platform, c.workspace_hash,
		       c.started_at, (SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id)
		FROM conversations c WHERE c.id = ?`, conversationID).Scan(
		&flow.Conversation.ID, &flow.Conversation.SessionID,
		&flow.Conversation.ExternalSessionID, &flow.Conversation.Platform,
		&flow.Conversation.WorkspaceHash, &startedAt, &flow.Conversation.TurnCount)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCategoryStorage, errors.CodeTraceNotFound,
			fmt.Sprintf("no conversation %s", conversationID))
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to read conversation", err)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		flow.Conversation.StartedAt = parsed
	}

	turnRows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sequence, ordinal, turn_type,
		       content_hash, tokens_used, latency_ms, created_at
		FROM turns WHERE conversation_id = ? ORDER BY sequence`, conversationID)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to query turns", err)
	}
	defer turnRows.Close()
	for turnRows.Next() {
		var t types.Turn
		var turnType, createdAt string
		if err := turnRows.Scan(&t.ID, &t.ConversationID, &t.Sequence, &t.Ordinal,
			&turnType, &t.ContentHash, &t.TokensUsed, &t.LatencyMs, &createdAt); err != nil {
			return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to scan turn", err)
		}
		t.TurnType = types.TurnType(turnType)
		if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			t.CreatedAt = parsed
		}
		flow.Turns = append(flow.Turns, t)
	}
	if err := turnRows.Err(); err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to iterate turns", err)
	}

	changeRows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, COALESCE(turn_id, ''), sequence, file_extension,
		       operation, lines_added, lines_removed, accepted, acceptance_delay_ms, created_at
		FROM code_changes WHERE conversation_id = ? ORDER BY sequence`, conversationID)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to query code changes", err)
	}
	defer changeRows.Close()
	for changeRows.Next() {
		var c types.CodeChange
		var accepted int
		var createdAt string
		if err := changeRows.Scan(&c.ID, &c.ConversationID, &c.TurnID, &c.Sequence,
			&c.FileExtension, &c.Operation, &c.LinesAdded, &c.LinesRemoved,
			&accepted, &c.AcceptanceDelayMs, &createdAt); err != nil {
			return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to scan code change", err)
		}
		c.Accepted = accepted != 0
		if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			c.CreatedAt = parsed
		}
		flow.CodeChanges = append(flow.CodeChanges, c)
	}
	if err := changeRows.Err(); err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "failed to iterate code changes", err)
	}

	return flow, nil
}

// Close closes the store.
func (s *SQLiteConversationStore) Close() error {
	return s.db.Close()
}

func scanSession(row interface{ Scan(...interface{}) error }) (*types.Session, error) {
	var (
		session      types.Session
		startedAt    string
		endedAt      sql.NullString
		metadataJSON sql.NullString
	)
	if err := row.Scan(&session.InternalID, &session.ExternalSessionID,
		&session.WorkspaceHash, &session.WorkspaceName, &session.WorkspacePath,
		&startedAt, &endedAt, &metadataJSON); err != nil {
		return nil, err
	}

	if parsed, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		session.StartedAt = parsed
	}
	if endedAt.Valid {
		if parsed, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
			session.EndedAt = &parsed
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		session.Metadata = make(map[string]interface{})
		_ = json.Unmarshal([]byte(metadataJSON.String), &session.Metadata)
	}
	return &session, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
