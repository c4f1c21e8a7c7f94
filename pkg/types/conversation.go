package types

import "time"

// TurnType distinguishes the ordered units inside a conversation.
type TurnType string

const (
	TurnUserPrompt        TurnType = "user_prompt"
	TurnAssistantResponse TurnType = "assistant_response"
)

// Conversation groups the turns and code changes derived for one session.
// Written exclusively by the conversation worker.
type Conversation struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	ExternalSessionID string    `json:"external_session_id"`
	Platform          string    `json:"platform"`
	WorkspaceHash     string    `json:"workspace_hash"`
	StartedAt         time.Time `json:"started_at"`
	TurnCount         int64     `json:"turn_count"`
}

// Turn is one ordered unit of a conversation: a user prompt or an assistant
// response. Sequence is the trace sequence the turn was derived from, which
// also keys idempotent insertion under CDC redelivery.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sequence       uint64    `json:"sequence"`
	Ordinal        int64     `json:"ordinal"`
	TurnType       TurnType  `json:"turn_type"`
	ContentHash    string    `json:"content_hash,omitempty"`
	TokensUsed     int64     `json:"tokens_used"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// CodeChange is a file edit derived from a file_edit trace record, including
// the accept/reject outcome and the delay before the user decided.
type CodeChange struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	TurnID            string    `json:"turn_id,omitempty"`
	Sequence          uint64    `json:"sequence"`
	FileExtension     string    `json:"file_extension"`
	Operation         string    `json:"operation"`
	LinesAdded        int64     `json:"lines_added"`
	LinesRemoved      int64     `json:"lines_removed"`
	Accepted          bool      `json:"accepted"`
	AcceptanceDelayMs int64     `json:"acceptance_delay_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

// ConversationFlow is the full read-model for one conversation: every turn
// and code change in trace order.
type ConversationFlow struct {
	Conversation Conversation `json:"conversation"`
	Turns        []Turn       `json:"turns"`
	CodeChanges  []CodeChange `json:"code_changes"`
}
