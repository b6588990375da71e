// Package poller implements the shared deep-research poller pattern (spec
// §4.5): compose a prompt from context via a per-variant alias table,
// create a remote parallel.ai task, poll status on a fixed interval until
// terminal or a maximum attempt count, fetch the result, and produce a
// normalised OperationEnvelope. The three designated operation ids differ
// only in prompt template, required fields, and defaults — the control
// structure is a single shared Run method.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/data-engine/pipeline-runner/internal/config"
	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/pkg/logging"
	"github.com/data-engine/pipeline-runner/pkg/metrics"
)

// Variant identifies one of the three designated deep-research operations.
type Variant string

const (
	VariantICPJobTitles Variant = "company.derive.icp_job_titles"
	VariantCompanyIntel Variant = "company.derive.intel_briefing"
	VariantPersonIntel  Variant = "person.derive.intel_briefing"
)

const missingAPIKeyReason = "missing_parallel_api_key"

// fieldSpec is one named template placeholder: the context keys to try in
// order (the "alias table", spec §9 open question — data, not hard-coded
// fallback chains), and the literal used when none resolve.
type fieldSpec struct {
	placeholder string
	aliases     []string
	required    bool
	fallback    string // used only when !required and nothing resolves
}

// variantSpec is everything that differs between the three poller variants.
type variantSpec struct {
	processor       string
	maxPollAttempts int
	template        string
	fields          []fieldSpec
	// echo lists context keys copied verbatim into the success envelope's
	// output alongside the raw parallel.ai response.
	echo []fieldSpec
}

var variantSpecs = map[Variant]variantSpec{
	VariantICPJobTitles: {
		processor:       "pro",
		maxPollAttempts: 45,
		template: "Identify the ideal customer profile job titles for outbound sales at {company_name}, " +
			"a company at domain {domain}. Company description: {company_description}.",
		fields: []fieldSpec{
			{placeholder: "company_name", aliases: []string{"company_name", "companyName"}, required: true},
			{placeholder: "domain", aliases: []string{"domain", "company_domain"}, required: true},
			{placeholder: "company_description", aliases: []string{"company_description", "description"}, fallback: "No description provided."},
		},
	},
	VariantCompanyIntel: {
		processor:       "pro",
		maxPollAttempts: 45,
		template: "Prepare a company intelligence briefing on {target_company_name} (domain {target_company_domain}) " +
			"for {client_company_name}, described as: {client_company_description}. " +
			"Industry: {industry}. Size: {company_size}. Funding: {funding_stage}. Competitors: {competitors}.",
		fields: []fieldSpec{
			{placeholder: "client_company_name", aliases: []string{"client_company_name"}, required: true},
			{placeholder: "client_company_description", aliases: []string{"client_company_description"}, required: true},
			{placeholder: "target_company_name", aliases: []string{"target_company_name", "company_name"}, required: true},
			{placeholder: "target_company_domain", aliases: []string{"target_company_domain", "domain"}, required: true},
			{placeholder: "industry", aliases: []string{"industry"}, fallback: "Unknown industry."},
			{placeholder: "company_size", aliases: []string{"company_size"}, fallback: "Unknown size."},
			{placeholder: "funding_stage", aliases: []string{"funding_stage"}, fallback: "Unknown funding stage."},
			{placeholder: "competitors", aliases: []string{"competitors"}, fallback: "No known competitors listed."},
		},
		echo: []fieldSpec{
			{placeholder: "target_company_domain", aliases: []string{"target_company_domain", "domain"}},
		},
	},
	VariantPersonIntel: {
		processor:       "pro",
		maxPollAttempts: 45,
		template: "Prepare a person intelligence briefing on {person_full_name}, currently at " +
			"{person_current_company_name} ({person_current_company_description}) as {person_current_job_title}, " +
			"LinkedIn: {person_linkedin_url}, for customer {client_company_name} ({client_company_description}), " +
			"evaluating them on behalf of {customer_company_name}.",
		fields: []fieldSpec{
			{placeholder: "client_company_name", aliases: []string{"client_company_name"}, required: true},
			{placeholder: "client_company_description", aliases: []string{"client_company_description"}, required: true},
			{placeholder: "person_full_name", aliases: []string{"person_full_name", "full_name"}, required: true},
			{placeholder: "person_current_company_name", aliases: []string{"person_current_company_name", "current_company_name"}, required: true},
			{placeholder: "person_current_job_title", aliases: []string{"person_current_job_title", "title", "current_title"}, fallback: "Unknown title."},
			{placeholder: "person_current_company_description", aliases: []string{"person_current_company_description"}, fallback: "No description provided."},
			{placeholder: "person_linkedin_url", aliases: []string{"person_linkedin_url"}, fallback: "Not provided."},
			{placeholder: "customer_company_name", aliases: []string{"customer_company_name"}, fallback: "Not specified."},
		},
	},
}

// Poller executes the shared deep-research pattern against api.parallel.ai.
type Poller struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	// sleep is overridable in tests so the poll loop doesn't actually wait.
	sleep func(ctx context.Context, d time.Duration) error
}

const parallelBaseURL = "https://api.parallel.ai"

// New builds a Poller from cfg.
func New(cfg *config.Config) *Poller {
	return &Poller{
		apiKey:       cfg.ParallelAPIKey,
		baseURL:      parallelBaseURL,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		pollInterval: cfg.PollInterval,
		sleep:        ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the full deep-research pattern for one step. It never
// returns a Go error: failures surface via status="failed". The one
// exception to a terminal envelope is cancellation during a poll wait, for
// which Run returns the zero-value envelope (empty Status).
func (p *Poller) Run(ctx context.Context, variant Variant, step models.StepSnapshot, contextSnapshot map[string]any) models.OperationEnvelope {
	spec := variantSpecs[variant]
	metrics.ObservePollAttempt(string(variant))

	missing := missingRequiredFields(spec, contextSnapshot)
	if len(missing) > 0 {
		metrics.ObservePollOutcome(string(variant), "missing_inputs")
		return models.OperationEnvelope{
			OperationID:   string(variant),
			Status:        models.EnvelopeFailed,
			MissingInputs: missing,
			Error:         "missing_required_inputs",
		}
	}

	if p.apiKey == "" {
		metrics.ObservePollOutcome(string(variant), missingAPIKeyReason)
		return models.OperationEnvelope{
			OperationID: string(variant),
			Status:      models.EnvelopeFailed,
			Error:       missingAPIKeyReason,
			ProviderAttempts: []models.ProviderAttempt{
				{Provider: "parallel", Status: "skipped", SkipReason: missingAPIKeyReason},
			},
		}
	}

	prompt := renderPrompt(spec, contextSnapshot)
	maxAttempts := spec.maxPollAttempts
	if override, ok := step.StepConfig["max_poll_attempts"].(float64); ok && override > 0 {
		maxAttempts = int(override)
	}

	runID, rawResponse, err := p.createTask(ctx, prompt, spec.processor)
	if err != nil {
		logging.Warnf("poller %s create task failed: %v", variant, err)
		metrics.ObservePollOutcome(string(variant), "create_task_failed")
		return models.OperationEnvelope{
			OperationID: string(variant),
			Status:      models.EnvelopeFailed,
			Error:       err.Error(),
			ProviderAttempts: []models.ProviderAttempt{
				{Provider: "parallel", Status: "failed", Error: err.Error(), Extra: map[string]any{"raw_response": rawResponse}},
			},
		}
	}

	taskStatus, pollCount, err := p.pollUntilTerminal(ctx, runID, maxAttempts)
	if err != nil {
		// Cancellation: propagate immediately, no envelope (spec §4.5).
		return models.OperationEnvelope{}
	}

	if taskStatus != "completed" {
		reason := "poll_timeout"
		if taskStatus == "failed" {
			reason = "parallel_task_failed"
		}
		metrics.ObservePollOutcome(string(variant), reason)
		return models.OperationEnvelope{
			OperationID: string(variant),
			Status:      models.EnvelopeFailed,
			Error:       reason,
			ProviderAttempts: []models.ProviderAttempt{
				{Provider: "parallel", Status: "failed", Error: reason, PollCount: pollCount, MaxAttempts: maxAttempts},
			},
		}
	}

	result, err := p.fetchResult(ctx, runID)
	if err != nil {
		metrics.ObservePollOutcome(string(variant), "result_fetch_failed")
		return models.OperationEnvelope{
			OperationID: string(variant),
			Status:      models.EnvelopeFailed,
			Error:       fmt.Sprintf("result_fetch_failed: %v", err),
			ProviderAttempts: []models.ProviderAttempt{
				{Provider: "parallel", Status: "failed", Error: "result_fetch_failed", PollCount: pollCount, MaxAttempts: maxAttempts},
			},
		}
	}

	metrics.ObservePollOutcome(string(variant), "found")
	output := map[string]any{"parallel_raw_response": result}
	for _, f := range spec.echo {
		if v, ok := firstPresent(f.aliases, contextSnapshot); ok {
			output[f.placeholder] = v
		}
	}
	return models.OperationEnvelope{
		OperationID: string(variant),
		Status:      models.EnvelopeFound,
		Output:      output,
		ProviderAttempts: []models.ProviderAttempt{
			{Provider: "parallel", Status: "found", PollCount: pollCount, MaxAttempts: maxAttempts},
		},
	}
}

func missingRequiredFields(spec variantSpec, ctx map[string]any) []string {
	var missing []string
	for _, f := range spec.fields {
		if !f.required {
			continue
		}
		if _, ok := firstPresent(f.aliases, ctx); !ok {
			missing = append(missing, f.placeholder)
		}
	}
	return missing
}

func firstPresent(aliases []string, ctx map[string]any) (any, bool) {
	for _, alias := range aliases {
		if v, ok := ctx[alias]; ok && !isBlank(v) {
			return v, true
		}
	}
	return nil, false
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func renderPrompt(spec variantSpec, ctx map[string]any) string {
	prompt := spec.template
	for _, f := range spec.fields {
		value, ok := firstPresent(f.aliases, ctx)
		text := f.fallback
		if ok {
			text = fmt.Sprint(value)
		}
		prompt = strings.ReplaceAll(prompt, "{"+f.placeholder+"}", text)
	}
	return prompt
}

type createTaskRequest struct {
	Input     string `json:"input"`
	Processor string `json:"processor"`
}

type createTaskResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (p *Poller) createTask(ctx context.Context, prompt, processor string) (string, string, error) {
	var resp createTaskResponse
	raw, err := p.doJSONRaw(ctx, http.MethodPost, "/v1/tasks/runs", createTaskRequest{Input: prompt, Processor: processor}, &resp)
	if err != nil {
		return "", raw, err
	}
	return resp.RunID, "", nil
}

type taskStatusResponse struct {
	Status string `json:"status"`
}

// pollUntilTerminal waits, then polls status, repeating until completed,
// failed, or the attempt cap. A non-2xx status check warns and continues
// without consuming an extra attempt or updating taskStatus (spec §4.5, §9
// — the documented sharp edge, preserved exactly as the source behaves).
func (p *Poller) pollUntilTerminal(ctx context.Context, runID string, maxAttempts int) (string, int, error) {
	taskStatus := "running"
	pollCount := 0
	for pollCount < maxAttempts {
		if err := p.sleep(ctx, p.pollInterval); err != nil {
			return "", pollCount, err
		}
		pollCount++

		var resp taskStatusResponse
		err := p.doJSON(ctx, http.MethodGet, "/v1/tasks/runs/"+runID, nil, &resp)
		if err != nil {
			logging.Warnf("poller status check failed run_id=%s attempt=%d: %v", runID, pollCount, err)
			continue
		}
		taskStatus = resp.Status
		if taskStatus == "completed" || taskStatus == "failed" {
			return taskStatus, pollCount, nil
		}
	}
	return taskStatus, pollCount, nil
}

func (p *Poller) fetchResult(ctx context.Context, runID string) (map[string]any, error) {
	var result map[string]any
	if err := p.doJSON(ctx, http.MethodGet, "/v1/tasks/runs/"+runID+"/result", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Poller) doJSON(ctx context.Context, method, path string, body any, out any) error {
	_, err := p.doJSONRaw(ctx, method, path, body, out)
	return err
}

// doJSONRaw behaves like doJSON but also returns the raw response body,
// which the create-task caller embeds as raw_response on failure (spec
// §4.5).
func (p *Poller) doJSONRaw(ctx context.Context, method, path string, body any, out any) (string, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("poller: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return "", fmt.Errorf("poller: build request: %w", err)
	}
	req.Header.Set("x-api-key", p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("poller: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("poller: %s: read response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return string(raw), fmt.Errorf("poller: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return string(raw), nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return string(raw), fmt.Errorf("poller: %s: decode response: %w", path, err)
	}
	return string(raw), nil
}
