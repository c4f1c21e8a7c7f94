package types

import "time"

// EndReason records why a session left the ACTIVE state.
type EndReason string

const (
	EndReasonNormal  EndReason = "normal"
	EndReasonTimeout EndReason = "timeout"
	EndReasonCrash   EndReason = "crash"
)

// Session is the lifecycle entity for one IDE session. InternalID is assigned
// on first sight; ExternalSessionID correlates events from the lossy capture
// layer. EndedAt is nil while the session is ACTIVE and is set at most once.
type Session struct {
	InternalID        string                 `json:"internal_id"`
	ExternalSessionID string                 `json:"external_session_id"`
	WorkspaceHash     string                 `json:"workspace_hash"`
	WorkspaceName     string                 `json:"workspace_name"`
	WorkspacePath     string                 `json:"workspace_path"`
	StartedAt         time.Time              `json:"started_at"`
	EndedAt           *time.Time             `json:"ended_at,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`

	// Recovered is set when the row was repopulated by startup recovery
	// rather than observed live.
	Recovered bool `json:"recovered,omitempty"`
}

// Active reports whether the session has not yet received an end signal.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}
