// Package planner normalises a loaded PipelineRun into an ordered list of
// enabled steps starting at the correct resume position for either a fresh
// or fan-out-child run (spec §4.2).
package planner

import (
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/pkg/logging"
)

var validate = validator.New()

// Plan is the planner's output: the ordered, filtered step list plus an
// index by position over every blueprint step, including disabled steps and
// steps before the execution start.
type Plan struct {
	Steps             []models.StepSnapshot
	StepsByPosition   map[int]models.StepSnapshot
	ExecutionStart    int
}

// Build derives the execution start position and the enabled, ordered step
// list for run.
func Build(run models.PipelineRun) Plan {
	start := executionStartPosition(run)

	byPosition := make(map[int]models.StepSnapshot, len(run.BlueprintSnapshot.Steps))
	for _, s := range run.BlueprintSnapshot.Steps {
		byPosition[s.Position] = s
	}

	steps := make([]models.StepSnapshot, 0, len(run.BlueprintSnapshot.Steps))
	for _, s := range run.BlueprintSnapshot.Steps {
		validateSkipIfFresh(s)
		if s.Enabled() && s.Position >= start {
			steps = append(steps, s)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })

	return Plan{Steps: steps, StepsByPosition: byPosition, ExecutionStart: start}
}

// executionStartPosition implements spec §4.2: prefer a positive integer
// fan-out start_from_position; else the minimum pre-provisioned step
// result position; else 1.
func executionStartPosition(run models.PipelineRun) int {
	if fo := run.BlueprintSnapshot.FanOut; fo != nil && fo.StartFromPosition > 0 {
		return fo.StartFromPosition
	}
	if len(run.StepResults) > 0 {
		min := run.StepResults[0].StepPosition
		for _, r := range run.StepResults[1:] {
			if r.StepPosition < min {
				min = r.StepPosition
			}
		}
		return min
	}
	return 1
}

// skipIfFreshShape is the decoded shape validator checks a present
// skip_if_fresh config against, so a malformed config (zero/negative
// max_age_hours, empty identity_fields) is logged at planner time instead of
// silently disabling the freshness gate with no trace (spec §9/§11).
type skipIfFreshShape struct {
	MaxAgeHours    float64  `validate:"gt=0"`
	IdentityFields []string `validate:"min=1"`
}

func validateSkipIfFresh(step models.StepSnapshot) {
	raw, exists := step.StepConfig["skip_if_fresh"]
	if !exists {
		return
	}
	m, ok := raw.(map[string]any)
	if !ok {
		logging.Warnf("planner: step %d skip_if_fresh is not an object; freshness gate disabled for this step", step.Position)
		return
	}
	shape := skipIfFreshShape{}
	if age, ok := m["max_age_hours"].(float64); ok {
		shape.MaxAgeHours = age
	}
	if rawFields, ok := m["identity_fields"].([]any); ok {
		for _, f := range rawFields {
			if s, ok := f.(string); ok {
				shape.IdentityFields = append(shape.IdentityFields, s)
			}
		}
	}
	if err := validate.Struct(shape); err != nil {
		logging.Warnf("planner: step %d skip_if_fresh is malformed (%v); freshness gate disabled for this step", step.Position, err)
	}
}

// DownstreamEnabled returns every step strictly after position that is
// enabled, in ascending position order — used when a gated fan-out step
// must mark every later enabled step skipped.
func DownstreamEnabled(plan Plan, position int) []models.StepSnapshot {
	out := make([]models.StepSnapshot, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.Position > position {
			out = append(out, s)
		}
	}
	return out
}
