package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propengine/kbengine/pkg/models"
	"github.com/propengine/kbengine/pkg/store"
)

func TestEndSessionFlushesAnalytics(t *testing.T) {
	f := newServerFixture()
	f.records.sessions["s1"] = models.SessionHeader{ID: "s1", Identity: "agent-1", Status: models.SessionActive}
	f.server.collector.Emit(models.QueryMetrics{SessionID: "s1"})
	f.server.collector.Emit(models.QueryMetrics{SessionID: "s1"})

	rec := f.do(http.MethodPost, "/api/sessions/end", `{"session_id":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, models.EndReasonClient, f.ender.ended["s1"])
	// Buffered records flushed in one batch.
	require.Len(t, f.records.metrics, 1)
	assert.Len(t, f.records.metrics[0], 2)
	// Identity aggregates updated (cost zero with an empty price table,
	// but the query count path ran).
	assert.Contains(t, f.records.aggregates, "agent-1")
}

func TestEndSessionValidation(t *testing.T) {
	f := newServerFixture()

	rec := f.do(http.MethodPost, "/api/sessions/end", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/sessions/end", `{"session_id":"never-seen"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFailureLifecycle(t *testing.T) {
	f := newServerFixture()

	rec := f.do(http.MethodPost, "/api/agent-failure/",
		`{"session_id":"s1","query_text":"obscure question","reason":"no_results"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created FailureResponse
	requireJSON(t, rec.Body.Bytes(), &created)
	assert.NotEmpty(t, created.FailureID)
	assert.Equal(t, string(store.FailureRecorded), created.Status)

	rec = f.do(http.MethodPost, "/api/agent-failure/"+created.FailureID+"/create-ticket", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.FailureTicketCreated, f.records.failures[created.FailureID].Status)

	// A second transition on the same failure is rejected.
	rec = f.do(http.MethodPatch, "/api/agent-failure/"+created.FailureID+"/decline", ``)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFailureDecline(t *testing.T) {
	f := newServerFixture()

	rec := f.do(http.MethodPost, "/api/agent-failure/", `{"query_text":"q","reason":"low_confidence"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created FailureResponse
	requireJSON(t, rec.Body.Bytes(), &created)

	rec = f.do(http.MethodPatch, "/api/agent-failure/"+created.FailureID+"/decline", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.FailureDeclined, f.records.failures[created.FailureID].Status)
}

func TestFailureValidation(t *testing.T) {
	f := newServerFixture()

	rec := f.do(http.MethodPost, "/api/agent-failure/", `{"reason":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/agent-failure/", `{"query_text":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedbackRecorded(t *testing.T) {
	f := newServerFixture()

	rec := f.do(http.MethodPost, "/api/feedback/",
		`{"session_id":"s1","message_index":3,"helpful":true,"comment":"great"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, f.records.feedback)
	assert.Equal(t, "feedback", f.limiter.lastClass)
}

func requireJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v))
}

func TestFeedbackValidation(t *testing.T) {
	f := newServerFixture()

	rec := f.do(http.MethodPost, "/api/feedback/", `{"message_index":0,"helpful":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/feedback/", `{"session_id":"s1","message_index":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
