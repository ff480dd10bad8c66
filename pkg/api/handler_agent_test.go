package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propengine/kbengine/pkg/accounting"
	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/metrics"
	"github.com/propengine/kbengine/pkg/models"
	"github.com/propengine/kbengine/pkg/orchestrator"
	"github.com/propengine/kbengine/pkg/ratelimit"
	"github.com/propengine/kbengine/pkg/store"
)

type fakeEngine struct {
	result  orchestrator.Result
	err     error
	lastReq orchestrator.Request
}

func (f *fakeEngine) Handle(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.lastReq = req
	if f.result.SessionID == "" {
		f.result.SessionID = "session-1"
	}
	return f.result, f.err
}

type fakeLimiter struct {
	decision  ratelimit.Decision
	lastClass string
}

func (f *fakeLimiter) Check(_ context.Context, _, class string) ratelimit.Decision {
	f.lastClass = class
	return f.decision
}

type fakeSessionEnder struct {
	ended map[string]models.EndReason
}

func (f *fakeSessionEnder) End(_ context.Context, sessionID string, reason models.EndReason) error {
	if f.ended == nil {
		f.ended = map[string]models.EndReason{}
	}
	f.ended[sessionID] = reason
	return nil
}

type fakeRecords struct {
	sessions   map[string]models.SessionHeader
	failures   map[string]store.Failure
	feedback   int
	aggregates map[string]float64
	metrics    [][]models.QueryMetrics
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		sessions:   map[string]models.SessionHeader{},
		failures:   map[string]store.Failure{},
		aggregates: map[string]float64{},
	}
}

func (f *fakeRecords) GetSession(_ context.Context, id string) (models.SessionHeader, error) {
	h, ok := f.sessions[id]
	if !ok {
		return models.SessionHeader{}, store.ErrNotFound
	}
	return h, nil
}

func (f *fakeRecords) InsertFailure(_ context.Context, failure store.Failure) error {
	f.failures[failure.ID] = failure
	return nil
}

func (f *fakeRecords) GetFailure(_ context.Context, id string) (store.Failure, error) {
	failure, ok := f.failures[id]
	if !ok {
		return store.Failure{}, store.ErrNotFound
	}
	return failure, nil
}

func (f *fakeRecords) TransitionFailure(_ context.Context, id string, to store.FailureStatus) error {
	failure, ok := f.failures[id]
	if !ok || failure.Status != store.FailureRecorded {
		return store.ErrNotFound
	}
	failure.Status = to
	f.failures[id] = failure
	return nil
}

func (f *fakeRecords) InsertFeedback(_ context.Context, _ string, _ int, _ bool, _, _ string) error {
	f.feedback++
	return nil
}

func (f *fakeRecords) UpdateIdentityAggregate(_ context.Context, identity string, _ int, costUSD float64) error {
	f.aggregates[identity] += costUSD
	return nil
}

func (f *fakeRecords) WriteQueryMetrics(_ context.Context, records []models.QueryMetrics) error {
	f.metrics = append(f.metrics, records)
	return nil
}

type serverFixture struct {
	server  *Server
	engine  *fakeEngine
	limiter *fakeLimiter
	records *fakeRecords
	ender   *fakeSessionEnder
}

func newServerFixture() *serverFixture {
	cfg := &config.Config{}
	cfg.Server.RequestDeadline = 5 * time.Second

	f := &serverFixture{
		engine:  &fakeEngine{result: orchestrator.Result{Text: "the answer"}},
		limiter: &fakeLimiter{decision: ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 99, ResetEpochS: time.Now().Add(time.Hour).Unix()}},
		records: newFakeRecords(),
		ender:   &fakeSessionEnder{},
	}
	f.server = NewServer(cfg, f.engine, f.limiter, f.ender, f.records,
		metrics.NewCollector(f.records), accounting.NewAccountant(config.NewPriceTable(nil)), nil)
	return f
}

func (f *serverFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestAgentQueryHappyPath(t *testing.T) {
	f := newServerFixture()

	rec := f.do(http.MethodPost, "/api/agent/customer/", `{"message":"how do I upload photos"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AgentQueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "the answer", resp.Response)
	assert.Equal(t, "session-1", resp.SessionID)
	assert.NotEmpty(t, resp.Timestamp)

	// Customer flavour exposes no operational fields.
	assert.Nil(t, resp.Confidence)
	assert.Empty(t, resp.Sources)
	assert.Empty(t, resp.QueryType)
	assert.Nil(t, resp.DebugMetrics)

	// Rate-limit headers are present on success.
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestAgentQueryTestFlavourExposesDebug(t *testing.T) {
	f := newServerFixture()
	f.engine.result = orchestrator.Result{
		Text:                     "grounded answer",
		RequiresEscalation:       false,
		Confidence:               0.91,
		ClassificationConfidence: 0.85,
		QueryType:                models.QueryHowTo,
		Sources: []models.ScoredChunk{{
			KBChunk:    models.KBChunk{ParentTitle: "Upload Photos Guide", SectionLabel: "Photos", Category: "listings", Content: "chunk text"},
			Similarity: 0.91,
		}},
		Metrics: models.QueryMetrics{Routing: models.RouteFullRAG, SourcesFound: 1},
	}

	rec := f.do(http.MethodPost, "/api/agent/test/", `{"message":"how do I upload photos"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AgentQueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Confidence)
	assert.InDelta(t, 0.91, *resp.Confidence, 1e-9)
	assert.Equal(t, "howto", resp.QueryType)
	require.NotNil(t, resp.DebugMetrics)
	assert.Equal(t, models.RouteFullRAG, resp.DebugMetrics.Routing)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "Upload Photos Guide", resp.Sources[0].Title)
	assert.Equal(t, "chunk text", resp.Sources[0].Content)
	require.NotNil(t, resp.ContextDebug)
}

func TestAgentQuerySupportFlavourHidesContent(t *testing.T) {
	f := newServerFixture()
	f.engine.result = orchestrator.Result{
		Text: "answer",
		Sources: []models.ScoredChunk{{
			KBChunk:    models.KBChunk{ParentTitle: "Guide", SectionLabel: "S", Category: "c", Content: "secret chunk"},
			Similarity: 0.8,
		}},
	}

	rec := f.do(http.MethodPost, "/api/agent/support/", `{"message":"q"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AgentQueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 1)
	assert.Empty(t, resp.Sources[0].Content)
	assert.Nil(t, resp.DebugMetrics)
}

func TestAgentQueryValidation(t *testing.T) {
	f := newServerFixture()

	t.Run("unknown flavour", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/agent/admin/", `{"message":"q"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("empty message", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/agent/customer/", `{"message":""}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("message at limit accepted", func(t *testing.T) {
		body, _ := json.Marshal(AgentQueryRequest{Message: strings.Repeat("a", 4000)})
		rec := f.do(http.MethodPost, "/api/agent/customer/", string(body))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("message over limit rejected", func(t *testing.T) {
		body, _ := json.Marshal(AgentQueryRequest{Message: strings.Repeat("a", 4001)})
		rec := f.do(http.MethodPost, "/api/agent/customer/", string(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/agent/customer/", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAgentQueryRateLimited(t *testing.T) {
	f := newServerFixture()
	f.limiter.decision = ratelimit.Decision{
		Allowed:     false,
		Limit:       100,
		Remaining:   0,
		ResetEpochS: time.Now().Add(30 * time.Minute).Unix(),
	}

	rec := f.do(http.MethodPost, "/api/agent/customer/", `{"message":"q"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp RateLimitedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rate_limited", resp.Error)
	assert.Equal(t, 100, resp.Limit)
	assert.Zero(t, resp.Remaining)
	assert.Greater(t, resp.ResetInSeconds, int64(0))

	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "query", f.limiter.lastClass)
}

func TestAgentQueryIdentitySelection(t *testing.T) {
	f := newServerFixture()

	rec := f.do(http.MethodPost, "/api/agent/customer/",
		`{"message":"q","user_info":{"agent_id":"agent-7","email":"x@y.z"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-7", f.engine.lastReq.Identity)

	rec = f.do(http.MethodPost, "/api/agent/customer/",
		`{"message":"q","user_info":{"email":"x@y.z"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "x@y.z", f.engine.lastReq.Identity)
}
