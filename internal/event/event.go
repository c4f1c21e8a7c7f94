// Package event defines the wire mapping and classification of telemetry
// events at the pipeline boundary. Raw queue entries are flat string-keyed
// field maps; everything past the fast path works with typed records.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/pkg/types"
)

// Queue entry field names, shared with the capture layer.
const (
	FieldEventID           = "event_id"
	FieldEnqueuedAt        = "enqueued_at"
	FieldRetryCount        = "retry_count"
	FieldPlatform          = "platform"
	FieldExternalSessionID = "external_session_id"
	FieldHookType          = "hook_type"
	FieldTimestamp         = "timestamp"
	FieldSequenceNum       = "sequence_num"
	FieldData              = "data"
	FieldMetadata          = "metadata"
)

// CDC entry field names.
const (
	FieldSequence  = "sequence"
	FieldSessionID = "session_id"
	FieldEventType = "event_type"
)

// Classify maps a raw capture-hook name onto the closed event-type set.
// Hook names differ per platform; unknown names fall back to EventOpaque.
func Classify(hookType string) types.EventType {
	switch hookType {
	case "SessionStart", "session_start", "sessionStart":
		return types.EventSessionStart
	case "Stop", "stop", "SessionEnd", "session_end":
		return types.EventSessionEnd
	case "UserPromptSubmit", "beforeSubmitPrompt", "user_prompt":
		return types.EventUserPrompt
	case "afterAgentResponse", "assistant_response":
		return types.EventAssistantResponse
	case "afterFileEdit", "file_edit":
		return types.EventFileEdit
	case "beforeShellExecution", "afterShellExecution", "shell_execution":
		return types.EventShellExecution
	case "PreToolUse", "PostToolUse", "beforeMCPExecution", "tool_use":
		return types.EventToolUse
	default:
		return types.EventOpaque
	}
}

// RawEventFromFields parses a queue entry's flat fields into a RawEvent.
// Missing identity fields or unparseable JSON make the entry malformed:
// such entries are skipped (acked) rather than retried, since redelivery
// cannot repair a structurally bad payload.
func RawEventFromFields(fields map[string]string) (*types.RawEvent, error) {
	eventID := fields[FieldEventID]
	if eventID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "queue entry has no event_id")
	}
	sessionID := fields[FieldExternalSessionID]
	if sessionID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField,
			fmt.Sprintf("event %s has no external_session_id", eventID))
	}
	hookType := fields[FieldHookType]
	if hookType == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField,
			fmt.Sprintf("event %s has no hook_type", eventID))
	}

	ev := &types.RawEvent{
		EventID:           eventID,
		Platform:          fields[FieldPlatform],
		ExternalSessionID: sessionID,
		HookType:          hookType,
	}

	if ts := fields[FieldTimestamp]; ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.NewIngestError(errors.CodeMalformedPayload,
				fmt.Sprintf("event %s has unparseable timestamp %q", eventID, ts))
		}
		ev.Timestamp = parsed.UTC()
	} else {
		ev.Timestamp = time.Now().UTC()
	}

	if sn := fields[FieldSequenceNum]; sn != "" {
		n, err := strconv.ParseInt(sn, 10, 64)
		if err == nil {
			ev.SequenceNum = n
		}
		// Advisory field, ignore garbage rather than rejecting the event
	}

	if data := fields[FieldData]; data != "" {
		payload := make(map[string]interface{})
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil, errors.NewIngestError(errors.CodeMalformedPayload,
				fmt.Sprintf("event %s has unparseable data payload", eventID))
		}
		ev.Payload = payload
	} else {
		ev.Payload = map[string]interface{}{}
	}

	if meta := fields[FieldMetadata]; meta != "" {
		metadata := make(map[string]interface{})
		if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
			return nil, errors.NewIngestError(errors.CodeMalformedPayload,
				fmt.Sprintf("event %s has unparseable metadata", eventID))
		}
		ev.Metadata = metadata
	}

	return ev, nil
}

// FieldsFromRawEvent builds the flat queue-entry fields for a RawEvent.
// Used by the producer side (emit CLI, tests).
func FieldsFromRawEvent(ev *types.RawEvent) (map[string]string, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	fields := map[string]string{
		FieldEventID:           ev.EventID,
		FieldEnqueuedAt:        time.Now().UTC().Format(time.RFC3339Nano),
		FieldRetryCount:        "0",
		FieldPlatform:          ev.Platform,
		FieldExternalSessionID: ev.ExternalSessionID,
		FieldHookType:          ev.HookType,
		FieldTimestamp:         ev.Timestamp.UTC().Format(time.RFC3339Nano),
		FieldSequenceNum:       strconv.FormatInt(ev.SequenceNum, 10),
		FieldData:              string(data),
	}

	if len(ev.Metadata) > 0 {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		fields[FieldMetadata] = string(meta)
	}

	return fields, nil
}

// FieldsFromCDC builds the flat fields for a CDC notification.
func FieldsFromCDC(entry *types.CDCEntry) map[string]string {
	return map[string]string{
		FieldSequence:  strconv.FormatUint(entry.Sequence, 10),
		FieldEventID:   entry.EventID,
		FieldSessionID: entry.SessionID,
		FieldEventType: string(entry.EventType),
	}
}

// CDCFromFields parses a CDC notification's fields. A CDC entry without a
// valid sequence is programmer error upstream and is classified as malformed
// (fatal for the entry, never retried).
func CDCFromFields(fields map[string]string) (*types.CDCEntry, error) {
	seqStr := fields[FieldSequence]
	if seqStr == "" {
		return nil, errors.New(errors.ErrCategoryWorker, errors.CodeMalformedEntry,
			"cdc entry has no sequence")
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil || seq == 0 {
		return nil, errors.New(errors.ErrCategoryWorker, errors.CodeMalformedEntry,
			fmt.Sprintf("cdc entry has invalid sequence %q", seqStr))
	}

	return &types.CDCEntry{
		Sequence:  seq,
		EventID:   fields[FieldEventID],
		SessionID: fields[FieldSessionID],
		EventType: types.EventType(fields[FieldEventType]),
	}, nil
}
