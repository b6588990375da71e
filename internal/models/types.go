// Package models holds the wire-level data model the pipeline-run engine
// consumes from and writes to the internal persistence API: PipelineRun,
// StepSnapshot, Entity, Condition-bearing StepConfig, StepResult,
// OperationEnvelope, TimelineEvent, FreshnessRecord, FanOutSummary and
// RunSummary, as described in spec §3. The entity-state upsert payload lives
// in internal/apiclient.
package models

import "math"

// EntityType is the kind of entity a pipeline run (or, per-step, an
// operation id prefix) targets.
type EntityType string

const (
	EntityCompany EntityType = "company"
	EntityPerson  EntityType = "person"
	EntityJob     EntityType = "job"
)

// StepStatus is the lifecycle of a single StepResult.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// RunStatus is the lifecycle of a PipelineRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Entity describes the subject of a pipeline run.
type Entity struct {
	EntityType EntityType     `json:"entity_type"`
	Input      map[string]any `json:"input,omitempty"`
	Index      *int           `json:"index,omitempty"`
}

// FanOutMetadata carries the resume contract from a fan-out parent to its
// children.
type FanOutMetadata struct {
	ParentPipelineRunID string `json:"parent_pipeline_run_id"`
	StartFromPosition   int    `json:"start_from_position"`
}

// StepSnapshot is one step of a blueprint, frozen at run-creation time.
type StepSnapshot struct {
	Position    int            `json:"position"`
	OperationID string         `json:"operation_id"`
	StepConfig  map[string]any `json:"step_config,omitempty"`
	Condition   any            `json:"condition,omitempty"`
	FanOut      bool           `json:"fan_out,omitempty"`
	// IsEnabled is a pointer so "absent" (default true) is distinguishable
	// from an explicit false, per spec invariant in §3.
	IsEnabled *bool `json:"is_enabled,omitempty"`
}

// Enabled reports whether this step is enabled, defaulting to true.
func (s StepSnapshot) Enabled() bool {
	return s.IsEnabled == nil || *s.IsEnabled
}

// SkipIfFresh returns the step's freshness config, if step_config carries a
// well-formed skip_if_fresh mapping.
func (s StepSnapshot) SkipIfFresh() (maxAgeHours float64, identityFields []string, ok bool) {
	raw, exists := s.StepConfig["skip_if_fresh"]
	if !exists {
		return 0, nil, false
	}
	m, isMap := raw.(map[string]any)
	if !isMap {
		return 0, nil, false
	}
	age, ageOK := toPositiveFinite(m["max_age_hours"])
	if !ageOK {
		return 0, nil, false
	}
	rawFields, ok := m["identity_fields"].([]any)
	if !ok || len(rawFields) == 0 {
		return 0, nil, false
	}
	fields := make([]string, 0, len(rawFields))
	for _, f := range rawFields {
		if s, ok := f.(string); ok && s != "" {
			fields = append(fields, s)
		}
	}
	if len(fields) == 0 {
		return 0, nil, false
	}
	return age, fields, true
}

func toPositiveFinite(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || !(f > 0) || math.IsInf(f, 1) {
		return 0, false
	}
	return f, true
}

// BlueprintSnapshot is the frozen blueprint a run walks.
type BlueprintSnapshot struct {
	Config   map[string]any  `json:"config,omitempty"`
	Steps    []StepSnapshot  `json:"steps"`
	Entity   *Entity         `json:"entity,omitempty"`
	FanOut   *FanOutMetadata `json:"fan_out,omitempty"`
	// SubmissionInput is the owning submission's input payload, used to seed
	// context when the blueprint carries no entity input (spec §4.7 step 3).
	SubmissionInput any `json:"submission_input,omitempty"`
}

// StepResult is the mutable per-step persistence row.
type StepResult struct {
	ID            string         `json:"id"`
	StepPosition  int            `json:"step_position"`
	Status        StepStatus     `json:"status"`
	InputPayload  map[string]any `json:"input_payload,omitempty"`
	OutputPayload map[string]any `json:"output_payload,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
}

// PipelineRun is loaded once per engine invocation.
type PipelineRun struct {
	ID                string            `json:"id"`
	OrgID             string            `json:"org_id"`
	CompanyID         string            `json:"company_id"`
	SubmissionID      string            `json:"submission_id"`
	BlueprintSnapshot BlueprintSnapshot `json:"blueprint_snapshot"`
	StepResults       []StepResult      `json:"step_results"`
}

// ProviderAttempt is an opaque observability record about one provider call
// a deep-research poller made.
type ProviderAttempt struct {
	Provider    string         `json:"provider,omitempty"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	SkipReason  string         `json:"skip_reason,omitempty"`
	PollCount   int            `json:"poll_count,omitempty"`
	MaxAttempts int            `json:"max_poll_attempts,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// EnvelopeStatus is the wire-level status string every executor returns.
// Only "failed" is semantically distinguished by the engine; everything
// else (e.g. "found", "succeeded") is treated as success, per spec §3.
type EnvelopeStatus string

const (
	EnvelopeFound     EnvelopeStatus = "found"
	EnvelopeSucceeded EnvelopeStatus = "succeeded"
	EnvelopeFailed    EnvelopeStatus = "failed"
)

// OperationEnvelope is the normalised response every executor returns.
type OperationEnvelope struct {
	RunID            string             `json:"run_id,omitempty"`
	OperationID      string             `json:"operation_id,omitempty"`
	Status           EnvelopeStatus     `json:"status"`
	Output           map[string]any     `json:"output,omitempty"`
	ProviderAttempts []ProviderAttempt  `json:"provider_attempts,omitempty"`
	MissingInputs    []string           `json:"missing_inputs,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// Failed reports whether this envelope represents a step failure. Per spec
// §3, only the literal "failed" status is a failure — everything else
// (including unrecognised future statuses) is success.
func (e OperationEnvelope) Failed() bool {
	return e.Status == EnvelopeFailed
}

// Found reports whether this envelope represents an executor that located a
// new canonical record worth persisting to the auxiliary store, as opposed
// to one that merely succeeded without discovering anything new.
func (e OperationEnvelope) Found() bool {
	return e.Status == EnvelopeFound
}

// FreshnessRecord is returned by the entity-state freshness check.
type FreshnessRecord struct {
	Fresh            bool           `json:"fresh"`
	EntityID         string         `json:"entity_id,omitempty"`
	LastEnrichedAt   string         `json:"last_enriched_at,omitempty"`
	AgeHours         float64        `json:"age_hours,omitempty"`
	CanonicalPayload map[string]any `json:"canonical_payload,omitempty"`
}

// TimelineEvent is a write-only, denormalised observability record.
type TimelineEvent struct {
	OrgID          string         `json:"org_id"`
	CompanyID      string         `json:"company_id"`
	SubmissionID   string         `json:"submission_id"`
	PipelineRunID  string         `json:"pipeline_run_id"`
	EntityType     EntityType     `json:"entity_type"`
	StepPosition   int            `json:"step_position"`
	Status         StepStatus     `json:"status"`
	SkipReason     string         `json:"skip_reason,omitempty"`
	DurationMs     *int64         `json:"duration_ms,omitempty"`
	ProviderAttempts []ProviderAttempt `json:"provider_attempts,omitempty"`
	OperationResult map[string]any `json:"operation_result,omitempty"`
	FieldsUpdated  []string       `json:"fields_updated,omitempty"`
}

// FanOutSummary is the fixed schema (spec §9 open question, resolved) the
// engine writes into a fan-out step's StepResult.OutputPayload and returns
// to callers.
type FanOutSummary struct {
	ChildRunIDs                 []string `json:"child_run_ids"`
	ChildCountCreated           int      `json:"child_count_created"`
	ChildCountSkippedDuplicates int      `json:"child_count_skipped_duplicates"`
	SkippedDuplicateIdentifiers []string `json:"skipped_duplicate_identifiers,omitempty"`
	StartFromPosition           int      `json:"start_from_position"`
	Provider                    string   `json:"provider,omitempty"`
}

// RunSummary is the value the engine's Run function always returns instead
// of raising an error out to the scheduler (spec §7).
type RunSummary struct {
	PipelineRunID       string   `json:"pipeline_run_id"`
	Status              RunStatus `json:"status"`
	FailedStepPosition  *int     `json:"failed_step_position,omitempty"`
	Error               string   `json:"error,omitempty"`
	FanOutChildRunIDs   []string `json:"fan_out_child_run_ids,omitempty"`
	FanOutChildCount    int      `json:"fan_out_child_count,omitempty"`
}

// EntityTypeFromOperationID derives an entity type from an operation id's
// dotted prefix: "person." -> person, "job." -> job, otherwise company.
func EntityTypeFromOperationID(operationID string) EntityType {
	switch {
	case hasPrefix(operationID, "person."):
		return EntityPerson
	case hasPrefix(operationID, "job."):
		return EntityJob
	default:
		return EntityCompany
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
