// Package dispatch implements the step dispatcher (spec §4.4): given a
// step's operation id and the current context, it routes to one of a
// closed set of executors — a generic remote-operation executor, or one of
// three specialised deep-research pollers — and returns a normalised
// OperationEnvelope. The generic executor's wire plumbing is hand-rolled
// net/http, grounded on the teacher's callOpenAI pattern.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/data-engine/pipeline-runner/internal/config"
	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/internal/poller"
	"github.com/data-engine/pipeline-runner/pkg/logging"
)

// deepResearchVariants maps the three designated operation ids to the
// poller variant that handles them.
var deepResearchVariants = map[string]poller.Variant{
	"company.derive.icp_job_titles": poller.VariantICPJobTitles,
	"company.derive.intel_briefing": poller.VariantCompanyIntel,
	"person.derive.intel_briefing":  poller.VariantPersonIntel,
}

// Dispatcher routes steps to executors.
type Dispatcher struct {
	operationsBaseURL string
	apiKey            string
	httpClient        *http.Client
	poller            *poller.Poller
}

// New builds a Dispatcher from cfg, sharing the poller's parallel.ai client.
// The operations service shares the internal API's bearer token — the
// environment model (spec §6) carries only one internal credential.
func New(cfg *config.Config, p *poller.Poller) *Dispatcher {
	return &Dispatcher{
		operationsBaseURL: strings.TrimRight(cfg.OperationsServiceBaseURL, "/"),
		apiKey:            cfg.InternalAPIKey,
		httpClient:        &http.Client{Timeout: cfg.HTTPTimeout},
		poller:            p,
	}
}

// Execute routes step to the matching executor and returns its envelope.
func (d *Dispatcher) Execute(ctx context.Context, orgID, companyID string, step models.StepSnapshot, contextSnapshot map[string]any) (models.OperationEnvelope, error) {
	if variant, ok := deepResearchVariants[step.OperationID]; ok {
		envelope := d.poller.Run(ctx, variant, step, contextSnapshot)
		if envelope.Status == "" {
			// Run returns a zero-value envelope, not an error, to signal
			// mid-poll cancellation (spec §4.5) — surface ctx.Err() here so
			// the engine's cancellation path actually fires.
			return envelope, ctx.Err()
		}
		return envelope, nil
	}
	return d.executeGeneric(ctx, orgID, companyID, step, contextSnapshot)
}

type genericRequest struct {
	OperationID string         `json:"operation_id"`
	EntityType  models.EntityType `json:"entity_type"`
	Input       map[string]any `json:"input"`
	Options     map[string]any `json:"options,omitempty"`
}

type genericEnvelope struct {
	Data  *models.OperationEnvelope `json:"data"`
	Error string                    `json:"error"`
}

// executeGeneric calls the execute-v1 operations service for any operation
// id not claimed by a deep-research poller variant.
func (d *Dispatcher) executeGeneric(ctx context.Context, orgID, companyID string, step models.StepSnapshot, contextSnapshot map[string]any) (models.OperationEnvelope, error) {
	entityType := models.EntityTypeFromOperationID(step.OperationID)

	payload := genericRequest{
		OperationID: step.OperationID,
		EntityType:  entityType,
		Input:       contextSnapshot,
		Options:     step.StepConfig,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.OperationEnvelope{}, fmt.Errorf("dispatch: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.operationsBaseURL+"/api/v1/execute", bytes.NewReader(body))
	if err != nil {
		return models.OperationEnvelope{}, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("x-internal-org-id", orgID)
	req.Header.Set("x-internal-company-id", companyID)

	logging.Debugf("dispatch generic start operation=%s entity_type=%s", step.OperationID, entityType)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return models.OperationEnvelope{}, fmt.Errorf("dispatch: %s: %w", step.OperationID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.OperationEnvelope{}, fmt.Errorf("dispatch: %s: read response: %w", step.OperationID, err)
	}
	if resp.StatusCode >= 400 {
		return models.OperationEnvelope{}, fmt.Errorf("dispatch: %s: status %d: %s", step.OperationID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env genericEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.OperationEnvelope{}, fmt.Errorf("dispatch: %s: decode envelope: %w", step.OperationID, err)
	}
	if env.Error != "" {
		return models.OperationEnvelope{}, fmt.Errorf("dispatch: %s: %s", step.OperationID, env.Error)
	}
	if env.Data == nil {
		return models.OperationEnvelope{}, fmt.Errorf("dispatch: %s: response missing data", step.OperationID)
	}
	logging.Debugf("dispatch generic done operation=%s status=%s", step.OperationID, env.Data.Status)
	return *env.Data, nil
}

// IsDeepResearch reports whether operationID is one of the three designated
// deep-research poller operations.
func IsDeepResearch(operationID string) bool {
	_, ok := deepResearchVariants[operationID]
	return ok
}
