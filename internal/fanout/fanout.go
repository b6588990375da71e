// Package fanout implements the fan-out coordinator (spec §4.7 step 11):
// on success of a fan-out-marked step, it extracts child entities from the
// envelope output, calls the parent-run fan-out endpoint, and builds the
// fixed FanOutSummary schema the engine writes back into the step result.
package fanout

import (
	"context"
	"fmt"

	"github.com/data-engine/pipeline-runner/internal/apiclient"
	"github.com/data-engine/pipeline-runner/internal/models"
)

// Coordinator is the subset of the internal API client the coordinator needs.
type Coordinator interface {
	FanOut(ctx context.Context, req apiclient.FanOutRequest) (*apiclient.FanOutResponse, error)
}

// Request bundles everything the coordinator needs from the engine to run
// one fan-out.
type Request struct {
	ParentPipelineRunID    string
	SubmissionID           string
	OrgID                  string
	CompanyID              string
	BlueprintSnapshot      models.BlueprintSnapshot
	StepPosition           int
	Envelope               models.OperationEnvelope
	ParentCumulativeContext map[string]any
}

// Entities extracts the fan-out child entity list from an envelope's output:
// only mapping-valued entries under the "results" key are kept (spec §4.7
// step 11).
func Entities(output map[string]any) []map[string]any {
	raw, ok := output["results"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	entities := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			entities = append(entities, m)
		}
	}
	return entities
}

// Provider picks the first provider attempt reporting "found" or
// "succeeded", for the fan-out request's provider label. Returns "" when no
// attempt qualifies.
func Provider(attempts []models.ProviderAttempt) string {
	for _, a := range attempts {
		if a.Status == "found" || a.Status == "succeeded" {
			return a.Provider
		}
	}
	return ""
}

// Run executes one fan-out: it extracts entities, calls the fan-out
// endpoint, and returns the fixed summary the engine persists. An empty
// (but non-nil) entity list is still a valid fan-out — the endpoint decides
// whether zero children is acceptable.
func Run(ctx context.Context, coordinator Coordinator, req Request) (*models.FanOutSummary, error) {
	entities := Entities(req.Envelope.Output)
	startFrom := req.StepPosition + 1
	provider := Provider(req.Envelope.ProviderAttempts)

	resp, err := coordinator.FanOut(ctx, apiclient.FanOutRequest{
		ParentPipelineRunID:    req.ParentPipelineRunID,
		SubmissionID:           req.SubmissionID,
		OrgID:                  req.OrgID,
		CompanyID:              req.CompanyID,
		BlueprintSnapshot:      req.BlueprintSnapshot,
		FanOutEntities:         entities,
		StartFromPosition:      startFrom,
		ParentCumulativeContext: req.ParentCumulativeContext,
		FanOutOperationID:      req.Envelope.OperationID,
		Provider:               provider,
		ProviderAttempts:       req.Envelope.ProviderAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("fanout: %w", err)
	}

	return &models.FanOutSummary{
		ChildRunIDs:                 resp.ChildRunIDs,
		ChildCountCreated:           len(resp.ChildRunIDs),
		ChildCountSkippedDuplicates: resp.SkippedDuplicatesCount,
		SkippedDuplicateIdentifiers: resp.SkippedDuplicateIdentifiers,
		StartFromPosition:           startFrom,
		Provider:                    provider,
	}, nil
}
