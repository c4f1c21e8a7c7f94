package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueplane/blueplane/internal/convstore"
	"github.com/blueplane/blueplane/internal/errors"
	"github.com/blueplane/blueplane/internal/metricstore"
	"github.com/blueplane/blueplane/internal/observability"
	"github.com/blueplane/blueplane/internal/router"
	"github.com/blueplane/blueplane/internal/tracestore"
	"github.com/blueplane/blueplane/pkg/types"
)

// API serves the read-only analytics surface. It never writes; the fast path
// and the workers own all mutations.
type API struct {
	traces   tracestore.TraceStore
	convs    convstore.ConversationStore
	metrics  metricstore.MetricStore
	notifier *router.Notifier
	usage    *observability.UsageStats
}

// NewAPI creates the analytics API over the three stores.
func NewAPI(traces tracestore.TraceStore, convs convstore.ConversationStore, metrics metricstore.MetricStore) *API {
	return &API{traces: traces, convs: convs, metrics: metrics}
}

// Handler returns the fully routed handler, middleware included.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/metrics", a.handleMetrics)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleSessionEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/metrics", a.handleSessionMetrics)
	mux.HandleFunc("GET /v1/sessions/{id}/conversations", a.handleSessionConversations)
	mux.HandleFunc("GET /v1/conversations/{id}/flow", a.handleConversationFlow)
	mux.HandleFunc("GET /v1/traces/{seq}", a.handleTrace)
	mux.HandleFunc("GET /v1/stats", a.handleStats)
	mux.HandleFunc("GET /v1/watch", a.handleWatch)
	return DefaultMiddleware()(a.recordRoutes(mux))
}

// SetUsageStats attaches a usage tracker. Route hits are recorded per mux
// pattern; event-type frequencies come from the fast path sharing the same
// tracker.
func (a *API) SetUsageStats(u *observability.UsageStats) {
	a.usage = u
}

// recordRoutes records each request against its matched route pattern.
func (a *API) recordRoutes(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.usage != nil {
			if _, pattern := mux.Handler(r); pattern != "" {
				a.usage.RecordRoute(pattern)
			}
		}
		mux.ServeHTTP(w, r)
	})
}

// handleStats returns usage frequencies over the rolling window: the event
// types producers send and the routes readers hit.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if a.usage == nil {
		writeError(w, http.StatusNotFound, "usage statistics are not enabled", requestID)
		return
	}
	a.usage.Prune()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_types": a.usage.TopEventTypes(20),
		"routes":      a.usage.TopRoutes(20),
		"request_id":  requestID,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns derived aggregates, optionally filtered by name
// prefix via ?category=.
func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	metrics, err := a.metrics.GetByCategory(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read metrics: %v", err), requestID)
		return
	}
	if metrics == nil {
		metrics = []types.Metric{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":    metrics,
		"request_id": requestID,
	})
}

// handleSessions lists sessions still ACTIVE.
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	sessions, err := a.convs.ActiveSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err), requestID)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":   sessions,
		"request_id": requestID,
	})
}

// resolveSession accepts either an external session id or an internal one.
func (a *API) resolveSession(r *http.Request) (*types.Session, error) {
	return a.convs.GetSessionByExternalID(r.Context(), r.PathValue("id"))
}

func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	sess, err := a.resolveSession(r)
	if err != nil {
		writeSessionError(w, err, requestID)
		return
	}
	events, err := a.traces.GetSessionEvents(r.Context(), sess.InternalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read events: %v", err), requestID)
		return
	}
	if events == nil {
		events = []*types.TraceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.InternalID,
		"events":     events,
		"request_id": requestID,
	})
}

func (a *API) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	sess, err := a.resolveSession(r)
	if err != nil {
		writeSessionError(w, err, requestID)
		return
	}
	metrics, err := a.traces.CalculateSessionMetrics(r.Context(), sess.InternalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to compute metrics: %v", err), requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":    metrics,
		"request_id": requestID,
	})
}

func (a *API) handleSessionConversations(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	sess, err := a.resolveSession(r)
	if err != nil {
		writeSessionError(w, err, requestID)
		return
	}
	conversations, err := a.convs.GetConversationsBySession(r.Context(), sess.InternalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read conversations: %v", err), requestID)
		return
	}
	if conversations == nil {
		conversations = []types.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":    sess.InternalID,
		"conversations": conversations,
		"request_id":    requestID,
	})
}

func (a *API) handleConversationFlow(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	flow, err := a.convs.GetConversationFlow(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.GetCode(err) == errors.CodeTraceNotFound {
			writeError(w, http.StatusNotFound, "conversation not found", requestID)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read flow: %v", err), requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flow":       flow,
		"request_id": requestID,
	})
}

func (a *API) handleTrace(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sequence", requestID)
		return
	}
	rec, err := a.traces.GetBySequence(r.Context(), seq)
	if err != nil {
		if errors.GetCode(err) == errors.CodeTraceNotFound {
			writeError(w, http.StatusNotFound, "trace not found", requestID)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read trace: %v", err), requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trace":      rec,
		"request_id": requestID,
	})
}

func writeSessionError(w http.ResponseWriter, err error, requestID string) {
	if errors.IsSessionNotFound(err) {
		writeError(w, http.StatusNotFound, "session not found", requestID)
		return
	}
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to resolve session: %v", err), requestID)
}
