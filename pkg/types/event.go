// Package types provides core data types for the Blueplane telemetry pipeline.
package types

import "time"

// EventType categorizes a telemetry event after classification at the
// fast-path boundary. Unknown hook types map to EventOpaque.
type EventType string

const (
	EventSessionStart      EventType = "session_start"
	EventSessionEnd        EventType = "session_end"
	EventUserPrompt        EventType = "user_prompt"
	EventAssistantResponse EventType = "assistant_response"
	EventFileEdit          EventType = "file_edit"
	EventShellExecution    EventType = "shell_execution"
	EventToolUse           EventType = "tool_use"
	EventOpaque            EventType = "opaque"
)

// RawEvent is the producer-emitted unit as it arrives on the message queue.
// It carries no global ordering; SequenceNum is producer-local and advisory.
type RawEvent struct {
	// EventID is an opaque unique token assigned by the producer
	EventID string `json:"event_id"`

	// Platform identifies the emitting IDE integration (e.g. "claude_code", "cursor")
	Platform string `json:"platform"`

	// ExternalSessionID is the platform-native session identifier
	ExternalSessionID string `json:"external_session_id"`

	// HookType is the raw capture-hook name as emitted by the producer
	HookType string `json:"hook_type"`

	// Timestamp is the producer-side event time
	Timestamp time.Time `json:"timestamp"`

	// SequenceNum is the producer-local counter; advisory only
	SequenceNum int64 `json:"sequence_num"`

	// Payload is the event-specific data, opaque until classified
	Payload map[string]interface{} `json:"payload"`

	// Metadata is optional producer-side context
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TraceRecord is the durable form of a RawEvent after fast-path ingestion.
// Sequence is the pipeline's total order: gap-free, strictly increasing,
// assigned only by the fast-path consumer. Records are never mutated.
type TraceRecord struct {
	Sequence          uint64                 `json:"sequence"`
	IngestedAt        time.Time              `json:"ingested_at"`
	EventID           string                 `json:"event_id"`
	SessionID         string                 `json:"session_id"`
	ExternalSessionID string                 `json:"external_session_id"`
	EventType         EventType              `json:"event_type"`
	Platform          string                 `json:"platform"`
	Timestamp         time.Time              `json:"timestamp"`
	Payload           map[string]interface{} `json:"payload"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// CDCEntry is the change-data-capture pointer published once per committed
// TraceRecord. It carries identifiers only, never the payload.
type CDCEntry struct {
	Sequence  uint64    `json:"sequence"`
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	EventType EventType `json:"event_type"`
}

// SessionMetrics is the aggregate computed over a session's trace records.
type SessionMetrics struct {
	SessionID         string `json:"session_id"`
	EventCount        int64  `json:"event_count"`
	TotalDurationMs   int64  `json:"total_duration_ms"`
	TotalTokens       int64  `json:"total_tokens"`
	TotalLinesAdded   int64  `json:"total_lines_added"`
	TotalLinesRemoved int64  `json:"total_lines_removed"`
	PromptCount       int64  `json:"prompt_count"`
	EditCount         int64  `json:"edit_count"`
}
