package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/data-engine/pipeline-runner/internal/apiclient"
	"github.com/data-engine/pipeline-runner/internal/config"
	"github.com/data-engine/pipeline-runner/internal/dispatch"
	"github.com/data-engine/pipeline-runner/internal/engine"
	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/internal/poller"
	"github.com/data-engine/pipeline-runner/internal/store"
	"github.com/data-engine/pipeline-runner/pkg/logging"
)

func newRunCommand() *cobra.Command {
	var pipelineRunID string
	var localFixture string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline run to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevelFromString(logLevel)
			if localFixture != "" {
				return runLocal(localFixture)
			}
			if pipelineRunID == "" {
				return fmt.Errorf("--pipeline-run-id is required unless --local is set")
			}
			return runRemote(cmd.Context(), pipelineRunID)
		},
	}
	cmd.Flags().StringVar(&pipelineRunID, "pipeline-run-id", "", "pipeline run id to execute against the internal API")
	cmd.Flags().StringVar(&localFixture, "local", "", "path to a YAML blueprint fixture to dry-run without the internal API")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

// runRemote is the durable-task entrypoint: load config, build the real
// collaborators, and run exactly the pipeline run the scheduler named.
func runRemote(parent context.Context, pipelineRunID string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	apiCli := apiclient.New(cfg)
	p := poller.New(cfg)
	disp := dispatch.New(cfg, p)
	eng := engine.New(apiCli, disp)

	summary := eng.Run(ctx, pipelineRunID)
	return printSummary(summary)
}

// printSummary prints the run's terminal summary as JSON and turns a failed
// status into a non-zero exit via cobra's ordinary error path.
func printSummary(summary models.RunSummary) error {
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if summary.Status == models.RunFailed {
		return fmt.Errorf("pipeline run %s failed: %s", summary.PipelineRunID, summary.Error)
	}
	return nil
}

// fixture is the YAML shape a dry run is seeded from. It mirrors the wire
// models with explicit snake_case yaml tags rather than reusing their json
// tags, since yaml.v3 does not fall back to a struct's json tags.
type fixture struct {
	Run struct {
		ID           string         `yaml:"id"`
		OrgID        string         `yaml:"org_id"`
		CompanyID    string         `yaml:"company_id"`
		SubmissionID string         `yaml:"submission_id"`
		Entity       *fixtureEntity `yaml:"entity"`
		Steps        []fixtureStep  `yaml:"steps"`
	} `yaml:"run"`
	Fresh map[models.EntityType]fixtureFreshness `yaml:"fresh"`
}

type fixtureEntity struct {
	EntityType models.EntityType `yaml:"entity_type"`
	Input      map[string]any    `yaml:"input"`
}

type fixtureStep struct {
	Position    int            `yaml:"position"`
	OperationID string         `yaml:"operation_id"`
	StepConfig  map[string]any `yaml:"step_config"`
	Condition   any            `yaml:"condition"`
	FanOut      bool           `yaml:"fan_out"`
	IsEnabled   *bool          `yaml:"is_enabled"`
}

func (s fixtureStep) toModel() models.StepSnapshot {
	return models.StepSnapshot{
		Position: s.Position, OperationID: s.OperationID, StepConfig: s.StepConfig,
		Condition: s.Condition, FanOut: s.FanOut, IsEnabled: s.IsEnabled,
	}
}

type fixtureFreshness struct {
	Fresh            bool           `yaml:"fresh"`
	CanonicalPayload map[string]any `yaml:"canonical_payload"`
}

func (f fixtureFreshness) toModel() models.FreshnessRecord {
	return models.FreshnessRecord{Fresh: f.Fresh, CanonicalPayload: f.CanonicalPayload}
}

// runLocal dry-runs a blueprint fixture entirely in-process: no internal
// API, no operations service, no parallel.ai calls. Every step echoes its
// input context back as its output unless the fixture's step_config
// carries a literal "dry_run_output" map, which lets a fixture author pin
// deterministic results for a branch under test.
func runLocal(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}
	if fx.Run.ID == "" {
		return fmt.Errorf("fixture run.id is required")
	}

	steps := make([]models.StepSnapshot, len(fx.Run.Steps))
	for i, step := range fx.Run.Steps {
		steps[i] = step.toModel()
	}
	var entity *models.Entity
	if fx.Run.Entity != nil {
		entity = &models.Entity{EntityType: fx.Run.Entity.EntityType, Input: fx.Run.Entity.Input}
	}

	run := &models.PipelineRun{
		ID: fx.Run.ID, OrgID: fx.Run.OrgID, CompanyID: fx.Run.CompanyID, SubmissionID: fx.Run.SubmissionID,
		BlueprintSnapshot: models.BlueprintSnapshot{Steps: steps, Entity: entity},
	}
	run.StepResults = make([]models.StepResult, len(steps))
	for i, step := range steps {
		run.StepResults[i] = models.StepResult{ID: fmt.Sprintf("local-sr-%d", step.Position), StepPosition: step.Position, Status: models.StepPending}
	}

	freshHits := make(map[models.EntityType]models.FreshnessRecord, len(fx.Fresh))
	for entityType, rec := range fx.Fresh {
		freshHits[entityType] = rec.toModel()
	}
	mem := store.NewMemoryStore(run, freshHits)
	eng := engine.New(mem, echoDispatcher{})

	summary := eng.Run(context.Background(), fx.Run.ID)
	if err := printSummary(summary); err != nil {
		return err
	}

	final := mem.Snapshot()
	out, _ := json.MarshalIndent(final, "", "  ")
	fmt.Println(string(out))
	return nil
}

// echoDispatcher lets a dry run exercise the full engine state machine
// without a live operations service. A step_config["dry_run_output"] map
// pins a fixed result; otherwise the step succeeds, echoing its input
// context back as output so downstream conditions and merges still see
// plausible data.
type echoDispatcher struct{}

func (echoDispatcher) Execute(ctx context.Context, orgID, companyID string, step models.StepSnapshot, contextSnapshot map[string]any) (models.OperationEnvelope, error) {
	if pinned, ok := step.StepConfig["dry_run_output"].(map[string]any); ok {
		return models.OperationEnvelope{OperationID: step.OperationID, Status: models.EnvelopeSucceeded, Output: pinned}, nil
	}
	return models.OperationEnvelope{OperationID: step.OperationID, Status: models.EnvelopeSucceeded, Output: contextSnapshot}, nil
}

