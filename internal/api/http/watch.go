package http

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/blueplane/blueplane/internal/router"
	"github.com/blueplane/blueplane/pkg/types"
)

// watchEvent is the NDJSON line streamed to watch clients.
type watchEvent struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence,omitempty"`
	EventType types.EventType `json:"event_type,omitempty"`
}

// SetNotifier attaches the commit bus, enabling the /v1/watch endpoint.
// Must be called before Handler.
func (a *API) SetNotifier(n *router.Notifier) {
	a.notifier = n
}

// handleWatch streams commit notifications as NDJSON until the client
// disconnects. ?session= filters by internal session id prefix.
func (a *API) handleWatch(w http.ResponseWriter, r *http.Request) {
	if a.notifier == nil {
		writeError(w, http.StatusNotFound, "watch not enabled", GetRequestID(r.Context()))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", GetRequestID(r.Context()))
		return
	}

	var filters []string
	if s := r.URL.Query().Get("session"); s != "" {
		filters = []string{s}
	}
	subID := "watch_" + uuid.New().String()
	sub := a.notifier.Subscribe(subID, filters)
	defer a.notifier.Unsubscribe(subID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case notif, ok := <-sub.Ch:
			if !ok {
				return
			}
			ev := watchEvent{
				Kind:      watchKind(notif.Type),
				SessionID: notif.SessionID,
				Sequence:  notif.Sequence,
				EventType: notif.EventType,
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func watchKind(t router.NotificationType) string {
	switch t {
	case router.SessionStarted:
		return "session_started"
	case router.SessionEnded:
		return "session_ended"
	default:
		return "record_committed"
	}
}
