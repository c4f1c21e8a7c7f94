package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/blueplane/internal/convstore"
	"github.com/blueplane/blueplane/internal/metricstore"
	"github.com/blueplane/blueplane/internal/observability"
	"github.com/blueplane/blueplane/internal/tracestore"
	"github.com/blueplane/blueplane/pkg/types"
)

type apiFixture struct {
	handler http.Handler
	traces  *tracestore.SQLiteTraceStore
	convs   *convstore.SQLiteConversationStore
	metrics *metricstore.SQLiteMetricStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()

	traces, err := tracestore.NewSQLiteTraceStore(filepath.Join(dir, "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { traces.Close() })

	convs, err := convstore.NewSQLiteConversationStore(filepath.Join(dir, "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { convs.Close() })

	metrics, err := metricstore.NewSQLiteMetricStore(filepath.Join(dir, "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { metrics.Close() })

	return &apiFixture{
		handler: NewAPI(traces, convs, metrics).Handler(),
		traces:  traces,
		convs:   convs,
		metrics: metrics,
	}
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// seedSession inserts a session row and returns its internal id.
func (f *apiFixture) seedSession(t *testing.T, externalID string) string {
	t.Helper()
	id := uuid.New().String()
	require.NoError(t, f.convs.InsertSession(context.Background(), &types.Session{
		InternalID:        id,
		ExternalSessionID: externalID,
		StartedAt:         time.Now().UTC(),
	}))
	return id
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestRequestIDPropagation(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", decodeBody(t, rec)["request_id"])
}

func TestMetricsByCategory(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.metrics.Apply(ctx, "metrics", 1, []metricstore.Update{
		{Name: "sessions.started", Kind: types.MetricCounter, Value: 2},
		{Name: "edits.count", Kind: types.MetricCounter, Value: 5},
	})
	require.NoError(t, err)

	rec := f.get(t, "/v1/metrics?category=sessions.")
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decodeBody(t, rec)["metrics"].([]interface{})
	require.Len(t, metrics, 1)
	assert.Equal(t, "sessions.started", metrics[0].(map[string]interface{})["name"])
}

func TestMetricsEmptyIsArray(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/v1/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decodeBody(t, rec)["metrics"])
}

func TestActiveSessions(t *testing.T) {
	f := newAPIFixture(t)

	f.seedSession(t, "ext-1")

	rec := f.get(t, "/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decodeBody(t, rec)["sessions"].([]interface{})
	require.Len(t, sessions, 1)
}

func TestSessionEvents(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	internalID := f.seedSession(t, "ext-1")
	_, err := f.traces.InsertBatch(ctx, []*types.TraceRecord{{
		EventID:           uuid.New().String(),
		SessionID:         internalID,
		ExternalSessionID: "ext-1",
		EventType:         types.EventUserPrompt,
		Platform:          "cursor",
		Timestamp:         time.Now().UTC(),
	}}, 1)
	require.NoError(t, err)

	rec := f.get(t, "/v1/sessions/ext-1/events")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "user_prompt", events[0].(map[string]interface{})["event_type"])
}

func TestSessionNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/v1/sessions/missing/events")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionMetrics(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	internalID := f.seedSession(t, "ext-1")
	_, err := f.traces.InsertBatch(ctx, []*types.TraceRecord{{
		EventID:           uuid.New().String(),
		SessionID:         internalID,
		ExternalSessionID: "ext-1",
		EventType:         types.EventFileEdit,
		Timestamp:         time.Now().UTC(),
		Payload:           map[string]interface{}{"lines_added": 9},
	}}, 1)
	require.NoError(t, err)

	rec := f.get(t, "/v1/sessions/ext-1/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decodeBody(t, rec)["metrics"].(map[string]interface{})
	assert.Equal(t, float64(9), metrics["total_lines_added"])
	assert.Equal(t, float64(1), metrics["event_count"])
}

func TestConversationFlow(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	internalID := f.seedSession(t, "ext-1")
	convID, err := f.convs.GetOrCreateConversation(ctx, internalID, "ext-1", "cursor", "", time.Now().UTC())
	require.NoError(t, err)
	_, err = f.convs.AddTurn(ctx, &types.Turn{
		ConversationID: convID,
		Sequence:       1,
		TurnType:       types.TurnUserPrompt,
	})
	require.NoError(t, err)

	rec := f.get(t, "/v1/conversations/"+convID+"/flow")
	require.Equal(t, http.StatusOK, rec.Code)
	flow := decodeBody(t, rec)["flow"].(map[string]interface{})
	turns := flow["turns"].([]interface{})
	require.Len(t, turns, 1)
}

func TestConversationFlowNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/v1/conversations/missing/flow")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTraceBySequence(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.traces.InsertBatch(ctx, []*types.TraceRecord{{
		EventID:   uuid.New().String(),
		SessionID: "s",
		EventType: types.EventOpaque,
		Timestamp: time.Now().UTC(),
	}}, 1)
	require.NoError(t, err)

	rec := f.get(t, "/v1/traces/1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/v1/traces/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get(t, "/v1/traces/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsDisabled(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/v1/stats")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsTracksRoutesAndEventTypes(t *testing.T) {
	dir := t.TempDir()

	traces, err := tracestore.NewSQLiteTraceStore(filepath.Join(dir, "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { traces.Close() })
	convs, err := convstore.NewSQLiteConversationStore(filepath.Join(dir, "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { convs.Close() })
	metrics, err := metricstore.NewSQLiteMetricStore(filepath.Join(dir, "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { metrics.Close() })

	api := NewAPI(traces, convs, metrics)
	usage := observability.NewUsageStats(time.Hour)
	usage.RecordEventType("user_prompt")
	usage.RecordEventType("user_prompt")
	api.SetUsageStats(usage)
	handler := api.Handler()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		EventTypes []observability.UsageEntry `json:"event_types"`
		Routes     []observability.UsageEntry `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	require.Len(t, body.EventTypes, 1)
	assert.Equal(t, "user_prompt", body.EventTypes[0].Key)
	assert.Equal(t, int64(2), body.EventTypes[0].Frequency)

	foundSessions := false
	for _, route := range body.Routes {
		if route.Key == "GET /v1/sessions" {
			foundSessions = true
			assert.Equal(t, int64(3), route.Frequency)
		}
	}
	assert.True(t, foundSessions, "expected GET /v1/sessions in route stats")
}
