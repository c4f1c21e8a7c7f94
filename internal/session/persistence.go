// Package session manages session lifecycle state: start/end persistence,
// crash recovery of sessions left open, and timing out idle sessions.
package session

import (
	"context"
	"log"
	"time"

	"github.com/blueplane/blueplane/internal/convstore"
	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/pkg/types"
)

// Internal session ids are ULIDs so they sort by start time.
var sessionIDs = types.NewULIDGenerator()

// StartInfo carries everything a session_start event knows about the new
// session.
type StartInfo struct {
	ExternalSessionID string
	WorkspaceHash     string
	WorkspaceName     string
	WorkspacePath     string
	StartedAt         time.Time
	Metadata          map[string]interface{}
}

// Persistence persists session lifecycle transitions. Start failures
// propagate to the caller; every other failure mode is logged and swallowed
// so a stray signal cannot stall the pipeline.
type Persistence struct {
	store convstore.ConversationStore
}

// NewPersistence creates a session persistence layer on the given store.
func NewPersistence(store convstore.ConversationStore) *Persistence {
	return &Persistence{store: store}
}

// SaveSessionStart records a new ACTIVE session. Idempotent: a start for an
// already-known external id succeeds without touching the existing row.
// This is the one lifecycle write whose failure propagates; losing a start
// orphans every later event of the session.
func (p *Persistence) SaveSessionStart(ctx context.Context, info StartInfo) (*types.Session, error) {
	existing, err := p.store.GetSessionByExternalID(ctx, info.ExternalSessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.IsSessionNotFound(err) {
		return nil, errors.NewSessionError(errors.CodeSessionStartFailed,
			"failed to check for existing session", err)
	}

	startedAt := info.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	id, err := sessionIDs.Generate()
	if err != nil {
		return nil, errors.NewSessionError(errors.CodeSessionStartFailed,
			"failed to generate session id", err)
	}
	session := &types.Session{
		InternalID:        id.String(),
		ExternalSessionID: info.ExternalSessionID,
		WorkspaceHash:     info.WorkspaceHash,
		WorkspaceName:     info.WorkspaceName,
		WorkspacePath:     info.WorkspacePath,
		StartedAt:         startedAt,
		Metadata:          info.Metadata,
	}
	if err := p.store.InsertSession(ctx, session); err != nil {
		// A concurrent start may have won the unique constraint race.
		if won, lookupErr := p.store.GetSessionByExternalID(ctx, info.ExternalSessionID); lookupErr == nil {
			return won, nil
		}
		return nil, errors.NewSessionError(errors.CodeSessionStartFailed,
			"failed to persist session start", err)
	}
	return session, nil
}

// SaveSessionEnd marks a session ended and merges the end reason into its
// metadata. An end for an unknown session is logged and swallowed.
func (p *Persistence) SaveSessionEnd(ctx context.Context, externalID string, endedAt time.Time, reason types.EndReason) error {
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	found, err := p.store.EndSession(ctx, externalID, endedAt, reason)
	if err != nil {
		log.Printf("session: failed to persist end for %s: %v", externalID, err)
		return nil
	}
	if !found {
		log.Printf("session: end signal for unknown session %s, ignoring", externalID)
	}
	return nil
}

// MarkSessionTimeout ends an idle session with the timeout reason.
func (p *Persistence) MarkSessionTimeout(ctx context.Context, externalID string) error {
	return p.SaveSessionEnd(ctx, externalID, time.Now().UTC(), types.EndReasonTimeout)
}

// RecoverActiveSessions returns every session left ACTIVE by a previous run,
// flagged as recovered. Called once at startup before the fast path begins
// consuming.
func (p *Persistence) RecoverActiveSessions(ctx context.Context) ([]*types.Session, error) {
	sessions, err := p.store.ActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		s.Recovered = true
	}
	if len(sessions) > 0 {
		log.Printf("session: recovered %d active session(s) from previous run", len(sessions))
	}
	return sessions, nil
}

// ActiveSessions lists sessions still ACTIVE, without marking them recovered.
func (p *Persistence) ActiveSessions(ctx context.Context) ([]*types.Session, error) {
	return p.store.ActiveSessions(ctx)
}

// GetSession returns the session with the given external id.
func (p *Persistence) GetSession(ctx context.Context, externalID string) (*types.Session, error) {
	return p.store.GetSessionByExternalID(ctx, externalID)
}
