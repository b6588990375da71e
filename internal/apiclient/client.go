// Package apiclient is the internal HTTP API client the engine uses to load
// and persist pipeline-run state (spec §6). Every endpoint speaks
// application/json and replies with an {data, error} envelope. The wire
// plumbing is hand-rolled net/http — grounded on the teacher's
// callOpenAI/callOllama pattern — because no library in the dependency
// corpus models this bespoke envelope; each endpoint group is wrapped in its
// own github.com/sony/gobreaker circuit breaker so a persistently failing
// collaborator fails fast instead of being hammered on every step.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/data-engine/pipeline-runner/internal/config"
	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/pkg/logging"
)

// Client is the internal persistence API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breakers   map[string]*gobreaker.CircuitBreaker
}

// New builds a Client from cfg.
func New(cfg *config.Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.InternalAPIBaseURL, "/"),
		apiKey:     cfg.InternalAPIKey,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		breakers:   map[string]*gobreaker.CircuitBreaker{},
	}
	for _, group := range []string{"pipeline-runs", "step-results", "entity-state", "entity-timeline", "submissions", "aux-store"} {
		g := group
		c.breakers[g] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: g,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warnf("apiclient breaker %s: %s -> %s", name, from, to)
			},
		})
	}
	return c
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (c *Client) post(ctx context.Context, group, path string, body any, out any) error {
	breaker := c.breakers[group]
	_, err := breaker.Execute(func() (any, error) {
		return nil, c.doPost(ctx, path, body, out)
	})
	return err
}

func (c *Client) doPost(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("apiclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("apiclient: %s: read response: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("apiclient: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("apiclient: %s: decode envelope: %w", path, err)
	}
	if env.Error != "" {
		return fmt.Errorf("apiclient: %s: %s", path, env.Error)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("apiclient: %s: response missing data", path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("apiclient: %s: decode data: %w", path, err)
	}
	return nil
}

// GetPipelineRun loads a run by id.
func (c *Client) GetPipelineRun(ctx context.Context, pipelineRunID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := c.post(ctx, "pipeline-runs", "/api/internal/pipeline-runs/get", map[string]any{
		"pipeline_run_id": pipelineRunID,
	}, &run)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRunStatusRequest is the update-status payload.
type UpdateRunStatusRequest struct {
	PipelineRunID string         `json:"pipeline_run_id"`
	Status        models.RunStatus `json:"status"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
}

// UpdateRunStatus updates the pipeline-run-level status.
func (c *Client) UpdateRunStatus(ctx context.Context, req UpdateRunStatusRequest) error {
	return c.post(ctx, "pipeline-runs", "/api/internal/pipeline-runs/update-status", req, nil)
}

// FanOutRequest is the fan-out endpoint payload (spec §4.7/§6).
type FanOutRequest struct {
	ParentPipelineRunID   string           `json:"parent_pipeline_run_id"`
	SubmissionID          string           `json:"submission_id"`
	OrgID                 string           `json:"org_id"`
	CompanyID             string           `json:"company_id"`
	BlueprintSnapshot     any              `json:"blueprint_snapshot"`
	FanOutEntities         []map[string]any `json:"fan_out_entities"`
	StartFromPosition      int              `json:"start_from_position"`
	ParentCumulativeContext map[string]any  `json:"parent_cumulative_context"`
	FanOutOperationID      string           `json:"fan_out_operation_id"`
	Provider               string           `json:"provider,omitempty"`
	ProviderAttempts       []models.ProviderAttempt `json:"provider_attempts,omitempty"`
}

// FanOutResponse is what the fan-out endpoint replies with.
type FanOutResponse struct {
	ChildRunIDs                 []string `json:"child_run_ids"`
	SkippedDuplicatesCount       int      `json:"skipped_duplicates_count,omitempty"`
	SkippedDuplicateIdentifiers []string `json:"skipped_duplicate_identifiers,omitempty"`
	ChildRuns                   []any    `json:"child_runs,omitempty"`
}

// FanOut creates child pipeline runs.
func (c *Client) FanOut(ctx context.Context, req FanOutRequest) (*FanOutResponse, error) {
	var resp FanOutResponse
	if err := c.post(ctx, "pipeline-runs", "/api/internal/pipeline-runs/fan-out", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncSubmissionStatus asks the submission-status store to re-derive its
// status from the current set of pipeline runs.
func (c *Client) SyncSubmissionStatus(ctx context.Context, submissionID string) error {
	return c.post(ctx, "submissions", "/api/internal/submissions/sync-status", map[string]any{
		"submission_id": submissionID,
	}, nil)
}

// UpdateStepResultRequest is the step-results/update payload.
type UpdateStepResultRequest struct {
	StepResultID  string           `json:"step_result_id"`
	Status        models.StepStatus `json:"status"`
	InputPayload  map[string]any   `json:"input_payload,omitempty"`
	OutputPayload map[string]any   `json:"output_payload,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	ErrorDetails  map[string]any   `json:"error_details,omitempty"`
}

// UpdateStepResult transitions a step result and returns the updated row.
func (c *Client) UpdateStepResult(ctx context.Context, req UpdateStepResultRequest) (*models.StepResult, error) {
	var row models.StepResult
	if err := c.post(ctx, "step-results", "/api/internal/step-results/update", req, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// MarkRemainingSkipped marks every step result at or after fromPosition as
// skipped and returns the rows that were actually changed. Calling this
// twice with the same fromPosition is safe: once every row is terminal, the
// second call returns an empty set (spec §8).
func (c *Client) MarkRemainingSkipped(ctx context.Context, pipelineRunID string, fromPosition int) ([]models.StepResult, error) {
	var rows []models.StepResult
	err := c.post(ctx, "step-results", "/api/internal/step-results/mark-remaining-skipped", map[string]any{
		"pipeline_run_id":    pipelineRunID,
		"from_step_position": fromPosition,
	}, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CheckFreshness consults the freshness store.
func (c *Client) CheckFreshness(ctx context.Context, entityType models.EntityType, identifiers map[string]any, maxAgeHours float64) (*models.FreshnessRecord, error) {
	var rec models.FreshnessRecord
	err := c.post(ctx, "entity-state", "/api/internal/entity-state/check-freshness", map[string]any{
		"entity_type":   entityType,
		"identifiers":   identifiers,
		"max_age_hours": maxAgeHours,
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertEntityStateRequest is the entity-state/upsert payload (spec §4.8).
type UpsertEntityStateRequest struct {
	PipelineRunID      string         `json:"pipeline_run_id"`
	EntityType         models.EntityType `json:"entity_type"`
	CumulativeContext  map[string]any `json:"cumulative_context"`
	LastOperationID    string         `json:"last_operation_id,omitempty"`
}

// UpsertEntityState upserts the terminal-success entity state.
func (c *Client) UpsertEntityState(ctx context.Context, req UpsertEntityStateRequest) error {
	return c.post(ctx, "entity-state", "/api/internal/entity-state/upsert", req, nil)
}

// RecordTimelineEvent writes one timeline event. Best-effort by contract —
// callers are expected to log-and-swallow failures (see internal/reporter).
func (c *Client) RecordTimelineEvent(ctx context.Context, event models.TimelineEvent) error {
	return c.post(ctx, "entity-timeline", "/api/internal/entity-timeline/record-step-event", event, nil)
}

// auxStorePaths maps the three deep-research operation ids to their
// dedicated best-effort persistence endpoint.
var auxStorePaths = map[string]string{
	"company.derive.icp_job_titles": "/api/internal/icp-job-titles/upsert",
	"company.derive.intel_briefing": "/api/internal/company-intel-briefings/upsert",
	"person.derive.intel_briefing":  "/api/internal/person-intel-briefings/upsert",
}

// UpsertAuxiliaryStore persists a deep-research operation's raw output to
// its dedicated store. Returns an error (not a bool) so the caller decides
// how to log it; there is no endpoint for unrecognised operation ids.
func (c *Client) UpsertAuxiliaryStore(ctx context.Context, operationID string, payload map[string]any) error {
	path, ok := auxStorePaths[operationID]
	if !ok {
		return fmt.Errorf("apiclient: no auxiliary store for operation %s", operationID)
	}
	return c.post(ctx, "aux-store", path, payload, nil)
}
