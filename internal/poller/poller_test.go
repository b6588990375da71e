package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/data-engine/pipeline-runner/internal/models"
)

func newTestPoller(t *testing.T, apiKey string, handler http.HandlerFunc) *Poller {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Poller{
		apiKey:       apiKey,
		baseURL:      srv.URL,
		httpClient:   srv.Client(),
		pollInterval: 0,
		sleep:        func(ctx context.Context, d time.Duration) error { return ctxSleep(ctx, 0) },
	}
}

func icpContext() map[string]any {
	return map[string]any{"company_name": "Acme", "domain": "acme.com"}
}

func TestMissingRequiredFieldsFailsWithoutCallingAPI(t *testing.T) {
	p := newTestPoller(t, "key", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not call out when required fields are missing")
	})
	env := p.Run(context.Background(), VariantICPJobTitles, models.StepSnapshot{}, map[string]any{"domain": "acme.com"})
	require.Equal(t, models.EnvelopeFailed, env.Status)
	assert.Equal(t, []string{"company_name"}, env.MissingInputs)
}

func TestMissingAPIKeyReturnsSkippedAttempt(t *testing.T) {
	p := newTestPoller(t, "", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not call out without an api key")
	})
	env := p.Run(context.Background(), VariantICPJobTitles, models.StepSnapshot{}, icpContext())
	require.Equal(t, models.EnvelopeFailed, env.Status)
	require.Len(t, env.ProviderAttempts, 1)
	assert.Equal(t, "skipped", env.ProviderAttempts[0].Status)
	assert.Equal(t, missingAPIKeyReason, env.ProviderAttempts[0].SkipReason)
}

func TestCompletedTaskReturnsFoundEnvelope(t *testing.T) {
	calls := 0
	p := newTestPoller(t, "key", func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(createTaskResponse{RunID: "run-1", Status: "running"})
		case r.URL.Path == "/v1/tasks/runs/run-1":
			_ = json.NewEncoder(w).Encode(taskStatusResponse{Status: "completed"})
		case r.URL.Path == "/v1/tasks/runs/run-1/result":
			_ = json.NewEncoder(w).Encode(map[string]any{"summary": "ok"})
		}
	})
	env := p.Run(context.Background(), VariantICPJobTitles, models.StepSnapshot{}, icpContext())
	require.Equal(t, models.EnvelopeFound, env.Status)
	require.NotNil(t, env.Output)
	assert.NotNil(t, env.Output["parallel_raw_response"])
	require.Len(t, env.ProviderAttempts, 1)
	assert.Equal(t, "found", env.ProviderAttempts[0].Status)
}

func TestPollTimeoutAtMaxAttempts(t *testing.T) {
	p := newTestPoller(t, "key", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(createTaskResponse{RunID: "run-1", Status: "running"})
			return
		}
		_ = json.NewEncoder(w).Encode(taskStatusResponse{Status: "running"})
	})
	step := models.StepSnapshot{StepConfig: map[string]any{"max_poll_attempts": 3.0}}
	env := p.Run(context.Background(), VariantICPJobTitles, step, icpContext())
	require.Equal(t, models.EnvelopeFailed, env.Status)
	assert.Nil(t, env.Output)
	require.Len(t, env.ProviderAttempts, 1)
	assert.Equal(t, "failed", env.ProviderAttempts[0].Status)
	assert.Equal(t, "poll_timeout", env.ProviderAttempts[0].Error)
	assert.Equal(t, 3, env.ProviderAttempts[0].PollCount)
	assert.Equal(t, 3, env.ProviderAttempts[0].MaxAttempts)
}

func TestTaskFailedStatusReturnsParallelTaskFailed(t *testing.T) {
	p := newTestPoller(t, "key", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(createTaskResponse{RunID: "run-1", Status: "running"})
			return
		}
		_ = json.NewEncoder(w).Encode(taskStatusResponse{Status: "failed"})
	})
	env := p.Run(context.Background(), VariantICPJobTitles, models.StepSnapshot{}, icpContext())
	require.Equal(t, models.EnvelopeFailed, env.Status)
	assert.Equal(t, "parallel_task_failed", env.ProviderAttempts[0].Error)
}

func TestStatusCheckNon2xxContinuesWithoutExtraAttempt(t *testing.T) {
	statusCalls := 0
	p := newTestPoller(t, "key", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(createTaskResponse{RunID: "run-1", Status: "running"})
			return
		}
		if r.URL.Path == "/v1/tasks/runs/run-1" {
			statusCalls++
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	})
	step := models.StepSnapshot{StepConfig: map[string]any{"max_poll_attempts": 2.0}}
	env := p.Run(context.Background(), VariantICPJobTitles, step, icpContext())
	require.Equal(t, models.EnvelopeFailed, env.Status)
	assert.Equal(t, "poll_timeout", env.ProviderAttempts[0].Error)
	assert.Equal(t, 2, statusCalls)
	assert.Equal(t, 2, env.ProviderAttempts[0].PollCount)
}

func TestRenderPromptUsesAliasesAndFallbacks(t *testing.T) {
	spec := variantSpecs[VariantICPJobTitles]
	prompt := renderPrompt(spec, map[string]any{"companyName": "Acme", "company_domain": "acme.com"})
	assert.Contains(t, prompt, "Acme")
	assert.Contains(t, prompt, "acme.com")
	assert.Contains(t, prompt, "No description provided.")
}

func TestCreateTaskNon2xxFailsWithRawResponse(t *testing.T) {
	p := newTestPoller(t, "key", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	})
	env := p.Run(context.Background(), VariantICPJobTitles, models.StepSnapshot{}, icpContext())
	require.Equal(t, models.EnvelopeFailed, env.Status)
	require.Len(t, env.ProviderAttempts, 1)
	assert.Contains(t, env.ProviderAttempts[0].Extra["raw_response"], "upstream exploded")
}

func TestCancellationDuringPollProducesEmptyEnvelope(t *testing.T) {
	p := newTestPoller(t, "key", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(createTaskResponse{RunID: "run-1", Status: "running"})
	})
	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(sleepCtx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx.Err()
	}
	env := p.Run(ctx, VariantICPJobTitles, models.StepSnapshot{}, icpContext())
	assert.Equal(t, models.OperationEnvelope{}, env)
}
