package workers

import (
	"context"
	"fmt"

	"github.com/blueplane/blueplane/internal/convstore"
	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/internal/event"
	"github.com/blueplane/blueplane/internal/tracestore"
	"github.com/blueplane/blueplane/pkg/types"
)

// ConversationWorker derives conversation structure from committed trace
// records: one conversation per session, turns for prompts and responses,
// code changes for file edits. Idempotence comes from the trace sequence
// keying every derived row.
type ConversationWorker struct {
	traces tracestore.TraceStore
	convs  convstore.ConversationStore
}

// NewConversationWorker creates the conversation worker.
func NewConversationWorker(traces tracestore.TraceStore, convs convstore.ConversationStore) *ConversationWorker {
	return &ConversationWorker{traces: traces, convs: convs}
}

// Name implements Worker.
func (w *ConversationWorker) Name() string { return "conversation" }

// Process implements Worker.
func (w *ConversationWorker) Process(ctx context.Context, entry *types.CDCEntry) error {
	switch entry.EventType {
	case types.EventUserPrompt, types.EventAssistantResponse, types.EventFileEdit:
	default:
		// Lifecycle and shell events do not shape the conversation.
		return nil
	}

	rec, err := w.traces.GetBySequence(ctx, entry.Sequence)
	if err != nil {
		if errors.GetCode(err) == errors.CodeTraceNotFound {
			return errors.NewValidationError(errors.CodeMalformedEntry,
				fmt.Sprintf("no trace record at sequence %d", entry.Sequence))
		}
		return err
	}

	workspaceHash := ""
	if sess, err := w.convs.GetSessionByExternalID(ctx, rec.ExternalSessionID); err == nil {
		workspaceHash = sess.WorkspaceHash
	}
	convID, err := w.convs.GetOrCreateConversation(ctx, rec.SessionID,
		rec.ExternalSessionID, rec.Platform, workspaceHash, rec.Timestamp)
	if err != nil {
		return err
	}

	payload, decodeErr := event.DecodePayload(rec.EventType, rec.Payload)

	switch rec.EventType {
	case types.EventUserPrompt:
		turn := &types.Turn{
			ConversationID: convID,
			Sequence:       rec.Sequence,
			TurnType:       types.TurnUserPrompt,
		}
		if p, ok := payload.(*event.PromptPayload); decodeErr == nil && ok {
			turn.ContentHash = p.ContentHash
			turn.TokensUsed = p.TokensUsed
		}
		_, err = w.convs.AddTurn(ctx, turn)
		return err

	case types.EventAssistantResponse:
		turn := &types.Turn{
			ConversationID: convID,
			Sequence:       rec.Sequence,
			TurnType:       types.TurnAssistantResponse,
		}
		if p, ok := payload.(*event.ResponsePayload); decodeErr == nil && ok {
			turn.ContentHash = p.ContentHash
			turn.TokensUsed = p.TokensUsed
			turn.LatencyMs = p.LatencyMs
		}
		_, err = w.convs.AddTurn(ctx, turn)
		return err

	case types.EventFileEdit:
		change := &types.CodeChange{
			ConversationID: convID,
			Sequence:       rec.Sequence,
		}
		if p, ok := payload.(*event.FileEditPayload); decodeErr == nil && ok {
			change.FileExtension = p.FileExtension
			change.Operation = p.Operation
			change.LinesAdded = p.LinesAdded
			change.LinesRemoved = p.LinesRemoved
			change.Accepted = p.Accepted
			change.AcceptanceDelayMs = p.AcceptanceDelayMs
		}
		_, err = w.convs.AddCodeChange(ctx, change)
		return err
	}
	return nil
}
