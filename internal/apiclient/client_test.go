package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/data-engine/pipeline-runner/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Config{
		InternalAPIBaseURL:      srv.URL,
		InternalAPIKey:          "test-key",
		HTTPTimeout:             5 * time.Second,
		BreakerFailureThreshold: 5,
	}
	return New(cfg), srv
}

func TestGetPipelineRunDecodesData(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/internal/pipeline-runs/get", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "run-1", "org_id": "org-1"},
		})
	})
	run, err := c.GetPipelineRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, "org-1", run.OrgID)
}

func TestNon2xxRaisesError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	_, err := c.GetPipelineRun(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestEnvelopeErrorFieldRaisesError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "not found"})
	})
	_, err := c.GetPipelineRun(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMarkRemainingSkippedIdempotentSecondCallEmpty(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
				{"id": "sr-2", "step_position": 2, "status": "skipped"},
			}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	})
	rows, err := c.MarkRemainingSkipped(context.Background(), "run-1", 2)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = c.MarkRemainingSkipped(context.Background(), "run-1", 2)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUpsertAuxiliaryStoreUnknownOperation(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not call out for an unknown operation id")
	})
	err := c.UpsertAuxiliaryStore(context.Background(), "company.find_domain", nil)
	require.Error(t, err)
}

func TestUpsertAuxiliaryStoreKnownOperation(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
	})
	err := c.UpsertAuxiliaryStore(context.Background(), "company.derive.icp_job_titles", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "/api/internal/icp-job-titles/upsert", gotPath)
}
