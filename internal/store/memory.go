// Package store provides an in-memory engine.Store implementation used by
// the local dry-run CLI (cmd/pipeline-runner run --local) to execute the
// engine against a YAML blueprint fixture without touching the real
// internal persistence API. The mutex-guarded map and clone-on-read/write
// discipline follows the teacher's in-memory job store (internal/store),
// adapted from job CRUD to pipeline-run state.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/data-engine/pipeline-runner/internal/apiclient"
	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/pkg/logging"
)

// MemoryStore is a self-contained, in-process Store: it holds exactly one
// pipeline run and answers every call the engine makes against its own
// state, logging what a real persistence call would have done instead of
// shipping it over HTTP.
type MemoryStore struct {
	mu          sync.RWMutex
	run         *models.PipelineRun
	freshHits   map[models.EntityType]models.FreshnessRecord
	entityState *apiclient.UpsertEntityStateRequest
}

// NewMemoryStore seeds a MemoryStore from run. freshHits lets a fixture
// declare canned freshness responses keyed by entity type, filled by the
// dry-run CLI from the fixture's top-level "fresh" mapping and by tests
// exercising the freshness gate end to end.
func NewMemoryStore(run *models.PipelineRun, freshHits map[models.EntityType]models.FreshnessRecord) *MemoryStore {
	return &MemoryStore{run: cloneRun(run), freshHits: freshHits}
}

// GetPipelineRun returns the single seeded run if pipelineRunID matches.
func (s *MemoryStore) GetPipelineRun(ctx context.Context, pipelineRunID string) (*models.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.run == nil || s.run.ID != pipelineRunID {
		return nil, fmt.Errorf("store: run %s not found", pipelineRunID)
	}
	return cloneRun(s.run), nil
}

// UpdateRunStatus logs the transition; the fixture run carries no separate
// status field to mutate (status lives only in the RunSummary the engine
// returns).
func (s *MemoryStore) UpdateRunStatus(ctx context.Context, req apiclient.UpdateRunStatusRequest) error {
	if req.ErrorMessage != "" {
		logging.Infof("dry-run: pipeline run %s -> %s (%s)", req.PipelineRunID, req.Status, req.ErrorMessage)
		return nil
	}
	logging.Infof("dry-run: pipeline run %s -> %s", req.PipelineRunID, req.Status)
	return nil
}

// UpdateStepResult mutates the matching in-memory row and returns a copy.
func (s *MemoryStore) UpdateStepResult(ctx context.Context, req apiclient.UpdateStepResultRequest) (*models.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.run.StepResults {
		row := &s.run.StepResults[i]
		if row.ID != req.StepResultID {
			continue
		}
		row.Status = req.Status
		if req.InputPayload != nil {
			row.InputPayload = req.InputPayload
		}
		if req.OutputPayload != nil {
			row.OutputPayload = req.OutputPayload
		}
		row.ErrorMessage = req.ErrorMessage
		row.ErrorDetails = req.ErrorDetails
		logging.Infof("dry-run: step %d -> %s", row.StepPosition, req.Status)
		out := *row
		return &out, nil
	}
	return nil, fmt.Errorf("store: step result %s not found", req.StepResultID)
}

// MarkRemainingSkipped marks every non-terminal row at or after fromPosition
// skipped and returns the rows it actually changed, matching the real
// endpoint's idempotence contract (spec §8).
func (s *MemoryStore) MarkRemainingSkipped(ctx context.Context, pipelineRunID string, fromPosition int) ([]models.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []models.StepResult
	for i := range s.run.StepResults {
		row := &s.run.StepResults[i]
		if row.StepPosition < fromPosition || isTerminal(row.Status) {
			continue
		}
		row.Status = models.StepSkipped
		changed = append(changed, *row)
	}
	return changed, nil
}

func isTerminal(status models.StepStatus) bool {
	return status == models.StepSucceeded || status == models.StepFailed || status == models.StepSkipped
}

// UpsertEntityState records the terminal-success entity state for later
// inspection via EntityState.
func (s *MemoryStore) UpsertEntityState(ctx context.Context, req apiclient.UpsertEntityStateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityState = &req
	logging.Infof("dry-run: entity state upserted for run %s (entity_type=%s)", req.PipelineRunID, req.EntityType)
	return nil
}

// SyncSubmissionStatus is a no-op: a dry run has no owning submission.
func (s *MemoryStore) SyncSubmissionStatus(ctx context.Context, submissionID string) error {
	return nil
}

// UpsertAuxiliaryStore logs the would-be write; dry runs do not persist
// deep-research raw output anywhere durable.
func (s *MemoryStore) UpsertAuxiliaryStore(ctx context.Context, operationID string, payload map[string]any) error {
	logging.Debugf("dry-run: auxiliary store upsert for %s", operationID)
	return nil
}

// CheckFreshness answers from the fixture-declared canned hits, defaulting
// to a miss so the dry run exercises live execution by default.
func (s *MemoryStore) CheckFreshness(ctx context.Context, entityType models.EntityType, identifiers map[string]any, maxAgeHours float64) (*models.FreshnessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.freshHits[entityType]; ok {
		return &rec, nil
	}
	return &models.FreshnessRecord{Fresh: false}, nil
}

// FanOut simulates child-run creation: every entity gets a fresh random id
// and none are treated as duplicates.
func (s *MemoryStore) FanOut(ctx context.Context, req apiclient.FanOutRequest) (*apiclient.FanOutResponse, error) {
	childIDs := make([]string, len(req.FanOutEntities))
	for i := range req.FanOutEntities {
		childIDs[i] = uuid.NewString()
	}
	logging.Infof("dry-run: fan-out created %d child run(s) from position %d", len(childIDs), req.StartFromPosition)
	return &apiclient.FanOutResponse{ChildRunIDs: childIDs}, nil
}

// RecordTimelineEvent logs the event instead of shipping it anywhere.
func (s *MemoryStore) RecordTimelineEvent(ctx context.Context, event models.TimelineEvent) error {
	logging.Debugf("dry-run: timeline step=%d status=%s fields=%v", event.StepPosition, event.Status, event.FieldsUpdated)
	return nil
}

// EntityState returns the last upserted entity-state request, nil if the
// run never reached terminal success.
func (s *MemoryStore) EntityState() *apiclient.UpsertEntityStateRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entityState
}

// Snapshot returns a copy of the run's current state, for printing a final
// dry-run report.
func (s *MemoryStore) Snapshot() *models.PipelineRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRun(s.run)
}

func cloneRun(run *models.PipelineRun) *models.PipelineRun {
	if run == nil {
		return nil
	}
	out := *run
	if run.StepResults != nil {
		out.StepResults = append([]models.StepResult(nil), run.StepResults...)
	}
	return &out
}
