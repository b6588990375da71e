package freshness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/data-engine/pipeline-runner/internal/models"
)

type fakeChecker struct {
	rec *models.FreshnessRecord
	err error
	got map[string]any
}

func (f *fakeChecker) CheckFreshness(ctx context.Context, entityType models.EntityType, identifiers map[string]any, maxAgeHours float64) (*models.FreshnessRecord, error) {
	f.got = identifiers
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func stepWithFreshness(fields []any) models.StepSnapshot {
	return models.StepSnapshot{
		Position:    1,
		OperationID: "company.op",
		StepConfig: map[string]any{
			"skip_if_fresh": map[string]any{
				"max_age_hours":   24.0,
				"identity_fields": fields,
			},
		},
	}
}

func TestNotApplicableWithoutConfig(t *testing.T) {
	checker := &fakeChecker{}
	r := Evaluate(context.Background(), checker, models.StepSnapshot{Position: 1}, nil)
	require.False(t, r.Applicable)
}

func TestFreshHitMergesCanonicalPayload(t *testing.T) {
	checker := &fakeChecker{rec: &models.FreshnessRecord{Fresh: true, CanonicalPayload: map[string]any{"company_name": "Acme"}}}
	step := stepWithFreshness([]any{"domain"})
	r := Evaluate(context.Background(), checker, step, map[string]any{"domain": "acme.com"})
	require.True(t, r.Applicable)
	assert.True(t, r.Fresh)
	assert.Equal(t, "Acme", r.CanonicalPayload["company_name"])
	assert.Equal(t, "acme.com", checker.got["domain"])
}

func TestMissDoesNotMarkFresh(t *testing.T) {
	checker := &fakeChecker{rec: &models.FreshnessRecord{Fresh: false}}
	step := stepWithFreshness([]any{"domain"})
	r := Evaluate(context.Background(), checker, step, map[string]any{"domain": "acme.com"})
	require.True(t, r.Applicable)
	assert.False(t, r.Fresh)
}

func TestErrorProceedsToLiveExecution(t *testing.T) {
	checker := &fakeChecker{err: errors.New("timeout")}
	step := stepWithFreshness([]any{"domain"})
	r := Evaluate(context.Background(), checker, step, map[string]any{"domain": "acme.com"})
	require.True(t, r.Applicable)
	assert.False(t, r.Fresh)
}

func TestEmptyAndMissingIdentityValuesOmitted(t *testing.T) {
	checker := &fakeChecker{rec: &models.FreshnessRecord{Fresh: false}}
	step := stepWithFreshness([]any{"domain", "email"})
	Evaluate(context.Background(), checker, step, map[string]any{"domain": "", "other": "x"})
	assert.NotContains(t, checker.got, "domain")
	assert.NotContains(t, checker.got, "email")
}

func TestInvalidConfigShapeNotApplicable(t *testing.T) {
	checker := &fakeChecker{}
	step := models.StepSnapshot{StepConfig: map[string]any{"skip_if_fresh": map[string]any{"max_age_hours": -1.0, "identity_fields": []any{"domain"}}}}
	r := Evaluate(context.Background(), checker, step, nil)
	require.False(t, r.Applicable)

	step = models.StepSnapshot{StepConfig: map[string]any{"skip_if_fresh": map[string]any{"max_age_hours": 24.0, "identity_fields": []any{}}}}
	r = Evaluate(context.Background(), checker, step, nil)
	require.False(t, r.Applicable)
}
