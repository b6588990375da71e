// Package engine implements the top-level pipeline-run state machine (spec
// §4.7): it composes the condition evaluator, planner, context, dispatcher,
// freshness gate, reporter and fan-out coordinator to walk a blueprint
// snapshot step by step, reconciling state with the internal persistence
// API as it goes. Run never returns a Go error to its caller — every
// failure mode terminates with a RunSummary, matching the contract the
// surrounding durable-task runtime expects (spec §7).
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/data-engine/pipeline-runner/internal/apiclient"
	"github.com/data-engine/pipeline-runner/internal/cond"
	"github.com/data-engine/pipeline-runner/internal/dispatch"
	"github.com/data-engine/pipeline-runner/internal/fanout"
	"github.com/data-engine/pipeline-runner/internal/freshness"
	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/internal/planner"
	"github.com/data-engine/pipeline-runner/internal/reporter"
	"github.com/data-engine/pipeline-runner/internal/stepcontext"
	"github.com/data-engine/pipeline-runner/pkg/logging"
	"github.com/data-engine/pipeline-runner/pkg/metrics"
)

// Dispatcher routes a step to its executor and returns its envelope.
type Dispatcher interface {
	Execute(ctx context.Context, orgID, companyID string, step models.StepSnapshot, contextSnapshot map[string]any) (models.OperationEnvelope, error)
}

// Store is the full persistence surface the engine needs: run/step-result
// CRUD, freshness checks, fan-out, and timeline recording. *apiclient.Client
// satisfies it directly.
type Store interface {
	GetPipelineRun(ctx context.Context, pipelineRunID string) (*models.PipelineRun, error)
	UpdateRunStatus(ctx context.Context, req apiclient.UpdateRunStatusRequest) error
	UpdateStepResult(ctx context.Context, req apiclient.UpdateStepResultRequest) (*models.StepResult, error)
	MarkRemainingSkipped(ctx context.Context, pipelineRunID string, fromPosition int) ([]models.StepResult, error)
	UpsertEntityState(ctx context.Context, req apiclient.UpsertEntityStateRequest) error
	SyncSubmissionStatus(ctx context.Context, submissionID string) error
	UpsertAuxiliaryStore(ctx context.Context, operationID string, payload map[string]any) error
	freshness.Checker
	fanout.Coordinator
	reporter.TimelineWriter
}

// skipReasonRemainingAfterFailure is the timeline reason recorded for every
// row the bulk mark-remaining-skipped endpoint reports back, in every
// branch that fails the run outright with a sweep position. The source data model carries no
// skip reason for this endpoint; this is a supplemented, documented choice
// rather than an invented per-row inference.
const skipReasonRemainingAfterFailure = "remaining_after_run_failure"

const skipReasonParentConditionNotMet = "parent_step_condition_not_met"
const skipReasonConditionNotMet = "condition_not_met"

// invariantViolationMessage is the fixed error text for a scheduled step
// whose operation id is missing, per spec §7.
const invariantViolationMessage = "step is missing an operation id"

const entityStateUpsertFailedMessage = "Entity state upsert failed"

// runCancelledMessage marks a step result abandoned by a cancelled run (spec
// §9/§12 design note). The run itself is deliberately left running: an
// external sweeper reconciles it, per §5.
const runCancelledMessage = "run_cancelled"

// Engine runs one pipeline run to completion.
type Engine struct {
	store      Store
	dispatcher Dispatcher
}

// New builds an Engine from its collaborators.
func New(store Store, dispatcher Dispatcher) *Engine {
	return &Engine{store: store, dispatcher: dispatcher}
}

// Run executes pipelineRunID to completion and returns its terminal
// summary. It is the sole entrypoint the durable-task runtime calls.
func (e *Engine) Run(ctx context.Context, pipelineRunID string) models.RunSummary {
	run, err := e.store.GetPipelineRun(ctx, pipelineRunID)
	if err != nil {
		logging.Errorf("engine: load run %s failed: %v", pipelineRunID, err)
		return models.RunSummary{PipelineRunID: pipelineRunID, Status: models.RunFailed, Error: err.Error()}
	}

	if err := e.store.UpdateRunStatus(ctx, apiclient.UpdateRunStatusRequest{PipelineRunID: run.ID, Status: models.RunRunning}); err != nil {
		logging.Errorf("engine: mark run %s running failed: %v", run.ID, err)
		return models.RunSummary{PipelineRunID: run.ID, Status: models.RunFailed, Error: err.Error()}
	}
	e.syncSubmission(ctx, run.SubmissionID)

	plan := planner.Build(*run)
	rep := reporter.New(ctx, e.store)
	defer rep.Drain()

	var entityInput map[string]any
	if run.BlueprintSnapshot.Entity != nil {
		entityInput = run.BlueprintSnapshot.Entity.Input
	}
	stepCtx := stepcontext.Seed(entityInput, run.BlueprintSnapshot.SubmissionInput)

	runEntityType := models.EntityCompany
	if run.BlueprintSnapshot.Entity != nil && run.BlueprintSnapshot.Entity.EntityType != "" {
		runEntityType = run.BlueprintSnapshot.Entity.EntityType
	}

	var lastSuccessfulOperationID string

	for _, step := range plan.Steps {
		result, found := findStepResult(run, step.Position)
		if !found {
			position := step.Position
			return e.fail(ctx, run, rep, &position, "pre-provisioned step result not found for position "+fmt.Sprint(step.Position))
		}

		if step.OperationID == "" {
			return e.failStep(ctx, run, rep, result, step, invariantViolationMessage, nil, nil)
		}

		condition, err := cond.Parse(step.Condition)
		if err != nil {
			return e.failStep(ctx, run, rep, result, step, err.Error(), nil, nil)
		}
		if !cond.Evaluate(condition, stepCtx.Snapshot()) {
			e.markSkipped(ctx, rep, run, step, result, skipReasonConditionNotMet)
			if step.FanOut {
				e.skipDownstreamGated(ctx, rep, run, plan, step.Position)
				break
			}
			continue
		}

		fresh := freshness.Evaluate(ctx, e.store, step, stepCtx.Snapshot())
		if fresh.Applicable && fresh.Fresh {
			stepCtx.Merge(fresh.CanonicalPayload)
			e.markSkipped(ctx, rep, run, step, result, freshness.SkipReason)
			continue
		}

		inputSnapshot := stepCtx.Snapshot()
		if _, err := e.store.UpdateStepResult(ctx, apiclient.UpdateStepResultRequest{
			StepResultID: result.ID,
			Status:       models.StepRunning,
			InputPayload: inputSnapshot,
		}); err != nil {
			return e.fail(ctx, run, rep, &step.Position, err.Error())
		}
		start := time.Now()

		envelope, err := e.dispatcher.Execute(ctx, run.OrgID, run.CompanyID, step, inputSnapshot)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelStep(run, result, step)
			}
			return e.failStep(ctx, run, rep, result, step, err.Error(), nil, nil)
		}

		e.persistAuxiliary(ctx, step.OperationID, envelope)

		stepCtx.Merge(envelope.Output)
		duration := time.Since(start)
		metrics.ObserveStep(step.OperationID, string(envelope.Status), duration)

		if envelope.Failed() {
			return e.failStep(ctx, run, rep, result, step, envelope.Error, envelope.MissingInputs, operationResultPayload(envelope))
		}

		durationMs := duration.Milliseconds()
		if _, err := e.store.UpdateStepResult(ctx, apiclient.UpdateStepResultRequest{
			StepResultID: result.ID,
			Status:       models.StepSucceeded,
			OutputPayload: map[string]any{
				"operation_result":   operationResultPayload(envelope),
				"cumulative_context": stepCtx.Snapshot(),
			},
		}); err != nil {
			return e.fail(ctx, run, rep, &step.Position, err.Error())
		}
		rep.Emit(models.TimelineEvent{
			OrgID: run.OrgID, CompanyID: run.CompanyID, SubmissionID: run.SubmissionID, PipelineRunID: run.ID,
			EntityType: models.EntityTypeFromOperationID(step.OperationID), StepPosition: step.Position,
			Status: models.StepSucceeded, DurationMs: durationMsPtr(durationMs),
			ProviderAttempts: envelope.ProviderAttempts, OperationResult: operationResultPayload(envelope),
			FieldsUpdated: reporter.FieldsUpdated(envelope.Output),
		})
		lastSuccessfulOperationID = step.OperationID

		if step.FanOut {
			return e.runFanOut(ctx, run, rep, result, step, envelope, stepCtx)
		}
	}

	return e.finishSuccess(ctx, run, rep, runEntityType, stepCtx, lastSuccessfulOperationID)
}

func findStepResult(run *models.PipelineRun, position int) (*models.StepResult, bool) {
	for i := range run.StepResults {
		if run.StepResults[i].StepPosition == position {
			return &run.StepResults[i], true
		}
	}
	return nil, false
}

func operationResultPayload(envelope models.OperationEnvelope) map[string]any {
	return map[string]any{
		"status":         envelope.Status,
		"output":         envelope.Output,
		"missing_inputs": envelope.MissingInputs,
		"error":          envelope.Error,
	}
}

func durationMsPtr(ms int64) *int64 { return &ms }

func (e *Engine) syncSubmission(ctx context.Context, submissionID string) {
	if submissionID == "" {
		return
	}
	if err := e.store.SyncSubmissionStatus(ctx, submissionID); err != nil {
		logging.Warnf("engine: sync submission %s failed: %v", submissionID, err)
	}
}

func (e *Engine) persistAuxiliary(ctx context.Context, operationID string, envelope models.OperationEnvelope) {
	if !dispatch.IsDeepResearch(operationID) || !envelope.Found() || envelope.Output == nil {
		return
	}
	if err := e.store.UpsertAuxiliaryStore(ctx, operationID, envelope.Output); err != nil {
		logging.Warnf("engine: auxiliary persist for %s failed: %v", operationID, err)
		metrics.ObserveBestEffortFailure("aux_store")
	}
}

func (e *Engine) markSkipped(ctx context.Context, rep *reporter.Reporter, run *models.PipelineRun, step models.StepSnapshot, result *models.StepResult, reason string) {
	rep.Emit(e.markSkippedStatus(ctx, run, step, result, reason))
}

// markSkippedStatus writes the skipped status synchronously and returns the
// timeline event rather than emitting it directly, so a caller that skips
// several steps in one sweep can batch the events through
// reporter.EmitSequence instead of racing several independent Emit calls.
func (e *Engine) markSkippedStatus(ctx context.Context, run *models.PipelineRun, step models.StepSnapshot, result *models.StepResult, reason string) models.TimelineEvent {
	if _, err := e.store.UpdateStepResult(ctx, apiclient.UpdateStepResultRequest{
		StepResultID: result.ID,
		Status:       models.StepSkipped,
	}); err != nil {
		logging.Warnf("engine: mark step %d skipped failed: %v", step.Position, err)
	}
	return models.TimelineEvent{
		OrgID: run.OrgID, CompanyID: run.CompanyID, SubmissionID: run.SubmissionID, PipelineRunID: run.ID,
		EntityType: models.EntityTypeFromOperationID(step.OperationID), StepPosition: step.Position,
		Status: models.StepSkipped, SkipReason: reason,
	}
}

// skipDownstreamGated marks every enabled step after position skipped with
// parent_step_condition_not_met, in ascending order (spec §4.7 step 3). The
// timeline events are queued as one ordered batch so they can never land at
// the persistence API out of position order, regardless of network timing.
func (e *Engine) skipDownstreamGated(ctx context.Context, rep *reporter.Reporter, run *models.PipelineRun, plan planner.Plan, position int) {
	downstream := planner.DownstreamEnabled(plan, position)
	events := make([]models.TimelineEvent, 0, len(downstream))
	for _, step := range downstream {
		result, found := findStepResult(run, step.Position)
		if !found {
			continue
		}
		events = append(events, e.markSkippedStatus(ctx, run, step, result, skipReasonParentConditionNotMet))
	}
	rep.EmitSequence(events)
}

// markRemainingSkipped calls the bulk endpoint and emits one timeline event
// per returned row as a single ordered batch, used by every run-failing
// branch that passes a sweep position (spec §4.7). MarkRemainingSkipped returns rows in ascending
// position order; EmitSequence preserves that order at the API regardless
// of individual write completion timing.
func (e *Engine) markRemainingSkipped(ctx context.Context, rep *reporter.Reporter, run *models.PipelineRun, fromPosition int) {
	rows, err := e.store.MarkRemainingSkipped(ctx, run.ID, fromPosition)
	if err != nil {
		logging.Warnf("engine: mark remaining skipped from %d failed: %v", fromPosition, err)
		return
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StepPosition < rows[j].StepPosition })
	events := make([]models.TimelineEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, models.TimelineEvent{
			OrgID: run.OrgID, CompanyID: run.CompanyID, SubmissionID: run.SubmissionID, PipelineRunID: run.ID,
			StepPosition: row.StepPosition, Status: models.StepSkipped, SkipReason: skipReasonRemainingAfterFailure,
		})
	}
	rep.EmitSequence(events)
}

// fail terminates the run for a non-step-specific error (e.g. an invariant
// violation discovered before a step result could be loaded). failedPosition
// is reported on the summary as-is and, when set, is also where the
// mark-remaining-skipped sweep starts. failWithSweep takes the sweep start
// (bulkSkipFrom) separately, since it differs from failedPosition when the
// failing step already carries its own terminal write.
func (e *Engine) fail(ctx context.Context, run *models.PipelineRun, rep *reporter.Reporter, failedPosition *int, message string) models.RunSummary {
	return e.failWithSweep(ctx, run, rep, failedPosition, failedPosition, message)
}

func (e *Engine) failWithSweep(ctx context.Context, run *models.PipelineRun, rep *reporter.Reporter, failedPosition, bulkSkipFrom *int, message string) models.RunSummary {
	if bulkSkipFrom != nil {
		e.markRemainingSkipped(ctx, rep, run, *bulkSkipFrom)
	}
	if err := e.store.UpdateRunStatus(ctx, apiclient.UpdateRunStatusRequest{PipelineRunID: run.ID, Status: models.RunFailed, ErrorMessage: message}); err != nil {
		logging.Errorf("engine: mark run %s failed failed: %v", run.ID, err)
	}
	e.syncSubmission(ctx, run.SubmissionID)
	return models.RunSummary{PipelineRunID: run.ID, Status: models.RunFailed, FailedStepPosition: failedPosition, Error: message}
}

// failStep marks a step failed, then delegates to failWithSweep for the run-level
// bookkeeping shared by the missing-operation-id, envelope-failure, and
// executor-exception branches (spec §4.7 steps 2, 9, 12).
func (e *Engine) failStep(ctx context.Context, run *models.PipelineRun, rep *reporter.Reporter, result *models.StepResult, step models.StepSnapshot, message string, missingInputs []string, operationResult map[string]any) models.RunSummary {
	errorDetails := map[string]any{}
	if len(missingInputs) > 0 {
		errorDetails["missing_inputs"] = missingInputs
	}
	if operationResult != nil {
		errorDetails["operation_result"] = operationResult
	}
	if _, err := e.store.UpdateStepResult(ctx, apiclient.UpdateStepResultRequest{
		StepResultID: result.ID,
		Status:       models.StepFailed,
		ErrorMessage: message,
		ErrorDetails: errorDetails,
	}); err != nil {
		logging.Errorf("engine: mark step %d failed failed: %v", step.Position, err)
	}
	rep.Emit(models.TimelineEvent{
		OrgID: run.OrgID, CompanyID: run.CompanyID, SubmissionID: run.SubmissionID, PipelineRunID: run.ID,
		EntityType: models.EntityTypeFromOperationID(step.OperationID), StepPosition: step.Position,
		Status: models.StepFailed,
	})
	// This step already carries its own terminal write; the bulk sweep
	// below only needs to reach positions strictly after it, but the
	// summary must still report this step's own position as the failure.
	failedPosition := step.Position
	downstreamFrom := step.Position + 1
	return e.failWithSweep(ctx, run, rep, &failedPosition, &downstreamFrom, message)
}

// cancelStep handles a cancelled in-flight step (spec §5/§12): it attempts a
// single best-effort write so the step result is not left running forever,
// then returns without touching run-level status — an external sweeper
// reconciles the run itself.
func (e *Engine) cancelStep(run *models.PipelineRun, result *models.StepResult, step models.StepSnapshot) models.RunSummary {
	if _, err := e.store.UpdateStepResult(context.Background(), apiclient.UpdateStepResultRequest{
		StepResultID: result.ID,
		Status:       models.StepFailed,
		ErrorMessage: runCancelledMessage,
	}); err != nil {
		logging.Warnf("engine: best-effort cancellation write for step %d failed: %v", step.Position, err)
	}
	return models.RunSummary{PipelineRunID: run.ID, Status: models.RunRunning, Error: runCancelledMessage}
}

// runFanOut implements the fan-out branch (spec §4.7 step 11): it never
// falls through to finishSuccess, returning directly with child-run ids.
func (e *Engine) runFanOut(ctx context.Context, run *models.PipelineRun, rep *reporter.Reporter, result *models.StepResult, step models.StepSnapshot, envelope models.OperationEnvelope, stepCtx *stepcontext.Context) models.RunSummary {
	summary, err := fanout.Run(ctx, e.store, fanout.Request{
		ParentPipelineRunID:     run.ID,
		SubmissionID:            run.SubmissionID,
		OrgID:                   run.OrgID,
		CompanyID:               run.CompanyID,
		BlueprintSnapshot:       run.BlueprintSnapshot,
		StepPosition:            step.Position,
		Envelope:                envelope,
		ParentCumulativeContext: stepCtx.Snapshot(),
	})
	if err != nil {
		return e.failStep(ctx, run, rep, result, step, err.Error(), nil, nil)
	}

	if _, updateErr := e.store.UpdateStepResult(ctx, apiclient.UpdateStepResultRequest{
		StepResultID:  result.ID,
		Status:        models.StepSucceeded,
		OutputPayload: map[string]any{"fan_out_summary": summary},
	}); updateErr != nil {
		logging.Warnf("engine: rewrite fan-out step result failed: %v", updateErr)
	}
	metrics.ObserveFanOut(step.OperationID, summary.ChildCountCreated)

	if err := e.store.UpdateRunStatus(ctx, apiclient.UpdateRunStatusRequest{PipelineRunID: run.ID, Status: models.RunSucceeded}); err != nil {
		return e.fail(ctx, run, rep, nil, err.Error())
	}

	entityType := models.EntityTypeFromOperationID(step.OperationID)
	if err := e.store.UpsertEntityState(ctx, apiclient.UpsertEntityStateRequest{
		PipelineRunID: run.ID, EntityType: entityType, CumulativeContext: stepCtx.Snapshot(), LastOperationID: step.OperationID,
	}); err != nil {
		return e.fail(ctx, run, rep, nil, entityStateUpsertFailedMessage)
	}
	e.syncSubmission(ctx, run.SubmissionID)

	return models.RunSummary{
		PipelineRunID:     run.ID,
		Status:            models.RunSucceeded,
		FanOutChildRunIDs: summary.ChildRunIDs,
		FanOutChildCount:  summary.ChildCountCreated,
	}
}

// finishSuccess implements spec §4.7 step 6 and §4.8: reached either by the
// loop ending naturally or by a gated fan-out skip short-circuit.
func (e *Engine) finishSuccess(ctx context.Context, run *models.PipelineRun, rep *reporter.Reporter, runEntityType models.EntityType, stepCtx *stepcontext.Context, lastSuccessfulOperationID string) models.RunSummary {
	if err := e.store.UpdateRunStatus(ctx, apiclient.UpdateRunStatusRequest{PipelineRunID: run.ID, Status: models.RunSucceeded}); err != nil {
		return e.fail(ctx, run, rep, nil, err.Error())
	}

	entityType := runEntityType
	if lastSuccessfulOperationID != "" {
		entityType = models.EntityTypeFromOperationID(lastSuccessfulOperationID)
	}
	if err := e.store.UpsertEntityState(ctx, apiclient.UpsertEntityStateRequest{
		PipelineRunID: run.ID, EntityType: entityType, CumulativeContext: stepCtx.Snapshot(), LastOperationID: lastSuccessfulOperationID,
	}); err != nil {
		return e.fail(ctx, run, rep, nil, entityStateUpsertFailedMessage)
	}
	e.syncSubmission(ctx, run.SubmissionID)

	return models.RunSummary{PipelineRunID: run.ID, Status: models.RunSucceeded}
}
