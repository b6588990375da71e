package dispatch

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
	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/internal/poller"
)

func TestIsDeepResearchRecognisesDesignatedOperations(t *testing.T) {
	assert.True(t, IsDeepResearch("company.derive.icp_job_titles"))
	assert.True(t, IsDeepResearch("person.derive.intel_briefing"))
	assert.False(t, IsDeepResearch("company.find_domain"))
}

func TestExecuteGenericPostsOperationAndDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/execute", r.URL.Path)
		assert.Equal(t, "org-1", r.Header.Get("x-internal-org-id"))
		assert.Equal(t, "company-1", r.Header.Get("x-internal-company-id"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "company.find_domain", body["operation_id"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"operation_id": "company.find_domain", "status": "found", "output": map[string]any{"domain": "acme.com"}},
		})
	}))
	defer srv.Close()

	cfg := &config.Config{OperationsServiceBaseURL: srv.URL, InternalAPIKey: "test-key", HTTPTimeout: 5 * time.Second}
	d := New(cfg, poller.New(cfg))

	step := models.StepSnapshot{Position: 1, OperationID: "company.find_domain"}
	env, err := d.Execute(context.Background(), "org-1", "company-1", step, map[string]any{"company_name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeFound, env.Status)
	assert.Equal(t, "acme.com", env.Output["domain"])
}

func TestExecuteGenericNon2xxRaisesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	cfg := &config.Config{OperationsServiceBaseURL: srv.URL, HTTPTimeout: 5 * time.Second}
	d := New(cfg, poller.New(cfg))

	_, err := d.Execute(context.Background(), "org-1", "company-1", models.StepSnapshot{OperationID: "company.find_domain"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestExecuteGenericMissingDataRaisesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	cfg := &config.Config{OperationsServiceBaseURL: srv.URL, HTTPTimeout: 5 * time.Second}
	d := New(cfg, poller.New(cfg))

	_, err := d.Execute(context.Background(), "org-1", "company-1", models.StepSnapshot{OperationID: "company.find_domain"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing data")
}

func TestExecuteGenericPassesWholeStepConfigAsOptions(t *testing.T) {
	var gotOptions map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotOptions, _ = body["options"].(map[string]any)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"operation_id": "company.enrich", "status": "succeeded"},
		})
	}))
	defer srv.Close()

	cfg := &config.Config{OperationsServiceBaseURL: srv.URL, HTTPTimeout: 5 * time.Second}
	d := New(cfg, poller.New(cfg))

	step := models.StepSnapshot{
		OperationID: "company.enrich",
		StepConfig:  map[string]any{"max_results": 3.0, "condition": map[string]any{"kind": "leaf"}},
	}
	_, err := d.Execute(context.Background(), "org-1", "company-1", step, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, gotOptions["max_results"])
	assert.Contains(t, gotOptions, "condition")
}

func TestExecuteRoutesDeepResearchToPoller(t *testing.T) {
	cfg := &config.Config{OperationsServiceBaseURL: "http://unused.invalid", HTTPTimeout: 5 * time.Second, ParallelAPIKey: ""}
	d := New(cfg, poller.New(cfg))

	step := models.StepSnapshot{Position: 1, OperationID: "company.derive.icp_job_titles"}
	env, err := d.Execute(context.Background(), "org-1", "company-1", step, map[string]any{"company_name": "Acme", "domain": "acme.com"})
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeFailed, env.Status)
	assert.Equal(t, "missing_parallel_api_key", env.Error)
}
