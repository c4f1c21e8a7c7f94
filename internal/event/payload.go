package event

import (
	"encoding/json"

	"github.com/blueplane/blueplane/pkg/types"
)

// Payload is the tagged variant over the closed set of known event payloads.
// Unrecognized event kinds decode to OpaquePayload so no record is lost to
// a taxonomy gap.
type Payload interface {
	Kind() types.EventType
}

// SessionStartPayload carries workspace identity for a new session.
type SessionStartPayload struct {
	WorkspaceHash string `json:"workspace_hash"`
	WorkspaceName string `json:"workspace_name"`
	WorkspacePath string `json:"workspace_path"`
	Model         string `json:"model,omitempty"`
}

func (SessionStartPayload) Kind() types.EventType { return types.EventSessionStart }

// SessionEndPayload carries the reason a session ended.
type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (SessionEndPayload) Kind() types.EventType { return types.EventSessionEnd }

// PromptPayload describes a submitted user prompt. Content is captured as a
// hash only; the pipeline never stores prompt text.
type PromptPayload struct {
	ContentHash string `json:"content_hash,omitempty"`
	TokensUsed  int64  `json:"tokens_used,omitempty"`
}

func (PromptPayload) Kind() types.EventType { return types.EventUserPrompt }

// ResponsePayload describes an assistant response.
type ResponsePayload struct {
	ContentHash string `json:"content_hash,omitempty"`
	TokensUsed  int64  `json:"tokens_used,omitempty"`
	LatencyMs   int64  `json:"latency_ms,omitempty"`
	Model       string `json:"model,omitempty"`
}

func (ResponsePayload) Kind() types.EventType { return types.EventAssistantResponse }

// FileEditPayload describes one file edit and its accept/reject outcome.
type FileEditPayload struct {
	FileExtension     string `json:"file_extension,omitempty"`
	Operation         string `json:"operation,omitempty"`
	LinesAdded        int64  `json:"lines_added"`
	LinesRemoved      int64  `json:"lines_removed"`
	Accepted          bool   `json:"accepted"`
	AcceptanceDelayMs int64  `json:"acceptance_delay_ms,omitempty"`
}

func (FileEditPayload) Kind() types.EventType { return types.EventFileEdit }

// ShellExecutionPayload describes a shell command run by the assistant.
// The command itself is captured as a hash only.
type ShellExecutionPayload struct {
	CommandHash string `json:"command_hash,omitempty"`
	ExitCode    int64  `json:"exit_code"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

func (ShellExecutionPayload) Kind() types.EventType { return types.EventShellExecution }

// ToolUsePayload describes a generic tool invocation.
type ToolUsePayload struct {
	Tool         string `json:"tool,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	TokensUsed   int64  `json:"tokens_used,omitempty"`
	LinesAdded   int64  `json:"lines_added,omitempty"`
	LinesRemoved int64  `json:"lines_removed,omitempty"`
}

func (ToolUsePayload) Kind() types.EventType { return types.EventToolUse }

// OpaquePayload is the fallback for event kinds the pipeline does not model.
// The raw data is preserved untouched in the durable log.
type OpaquePayload struct {
	Raw map[string]interface{}
}

func (OpaquePayload) Kind() types.EventType { return types.EventOpaque }

// DecodePayload decodes the opaque payload map of a trace record into the
// typed variant for its event type. Decoding is lenient: unknown keys are
// ignored and missing keys zero-value, because the capture layer makes no
// schema promises. Only structurally broken data fails.
func DecodePayload(eventType types.EventType, raw map[string]interface{}) (Payload, error) {
	if raw == nil {
		raw = map[string]interface{}{}
	}

	switch eventType {
	case types.EventSessionStart:
		p := &SessionStartPayload{}
		err := remarshal(raw, p)
		return p, err
	case types.EventSessionEnd:
		p := &SessionEndPayload{}
		err := remarshal(raw, p)
		return p, err
	case types.EventUserPrompt:
		p := &PromptPayload{}
		err := remarshal(raw, p)
		return p, err
	case types.EventAssistantResponse:
		p := &ResponsePayload{}
		err := remarshal(raw, p)
		return p, err
	case types.EventFileEdit:
		p := &FileEditPayload{}
		err := remarshal(raw, p)
		return p, err
	case types.EventShellExecution:
		p := &ShellExecutionPayload{}
		err := remarshal(raw, p)
		return p, err
	case types.EventToolUse:
		p := &ToolUsePayload{}
		err := remarshal(raw, p)
		return p, err
	default:
		return &OpaquePayload{Raw: raw}, nil
	}
}

// remarshal converts a generic JSON map into a typed payload struct.
func remarshal(raw map[string]interface{}, dst interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
