// Package freshness implements the per-step freshness gate (spec §4.3): when
// a step is configured with skip_if_fresh and the freshness store reports
// the entity as fresh, the canonical payload is merged into context and the
// step is skipped instead of executed live.
package freshness

import (
	"context"

	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/pkg/logging"
	"github.com/data-engine/pipeline-runner/pkg/metrics"
)

// Checker is the subset of the internal API client the gate needs.
type Checker interface {
	CheckFreshness(ctx context.Context, entityType models.EntityType, identifiers map[string]any, maxAgeHours float64) (*models.FreshnessRecord, error)
}

// Result is the gate's verdict for one step.
type Result struct {
	// Applicable is false when the step carries no (valid) skip_if_fresh
	// config; callers should proceed straight to live execution.
	Applicable bool
	// Fresh is true when the freshness store reports a hit: the caller
	// should merge CanonicalPayload into context and skip the step.
	Fresh            bool
	CanonicalPayload map[string]any
}

// Evaluate runs the freshness gate for step against ctxSnapshot. On any
// error from the freshness call, it logs and returns a non-fresh result so
// the caller proceeds to live execution (spec §4.3 step 4).
func Evaluate(ctx context.Context, checker Checker, step models.StepSnapshot, ctxSnapshot map[string]any) Result {
	maxAge, identityFields, ok := step.SkipIfFresh()
	if !ok {
		return Result{Applicable: false}
	}

	identifiers := map[string]any{}
	for _, field := range identityFields {
		v, present := ctxSnapshot[field]
		if !present || isEmptyIdentifier(v) {
			continue
		}
		identifiers[field] = v
	}

	entityType := models.EntityTypeFromOperationID(step.OperationID)
	rec, err := checker.CheckFreshness(ctx, entityType, identifiers, maxAge)
	if err != nil {
		logging.Warnf("freshness check failed for step %d (%s): %v", step.Position, step.OperationID, err)
		metrics.ObserveFreshnessCheck("error")
		return Result{Applicable: true, Fresh: false}
	}
	if !rec.Fresh {
		metrics.ObserveFreshnessCheck("miss")
		return Result{Applicable: true, Fresh: false}
	}
	metrics.ObserveFreshnessCheck("hit")
	return Result{Applicable: true, Fresh: true, CanonicalPayload: rec.CanonicalPayload}
}

func isEmptyIdentifier(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

// SkipReason is the fixed reason string the engine records on a freshness skip.
const SkipReason = "entity_state_fresh"
