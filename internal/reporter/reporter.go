// Package reporter emits the parallel timeline-event stream alongside
// step-result status writes (spec §4.8/§9). Step-result writes are on the
// engine's critical path and return their error to the caller; timeline
// writes are best-effort — driven through a small errgroup-bounded emitter
// that swallows and logs failures instead of entangling them with the run's
// control flow. Auxiliary-store writes do not go through the reporter.
package reporter

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/data-engine/pipeline-runner/internal/models"
	"github.com/data-engine/pipeline-runner/pkg/logging"
	"github.com/data-engine/pipeline-runner/pkg/metrics"
)

// TimelineWriter is the subset of the internal API client the reporter needs
// for timeline events.
type TimelineWriter interface {
	RecordTimelineEvent(ctx context.Context, event models.TimelineEvent) error
}

// maxConcurrentEmissions bounds how many independent Emit calls run at once.
// Concurrent goroutines complete in network order, not call order, so a
// batch of same-branch skip events that must land in ascending position
// order (spec §5) goes through EmitSequence instead, which runs as one
// goroutine and so is immune to this bound's reordering.
const maxConcurrentEmissions = 4

// Reporter emits timeline events best-effort and tracks them so the engine
// can drain outstanding writes before returning a run summary.
type Reporter struct {
	writer TimelineWriter
	group  *errgroup.Group
	ctx    context.Context
	sem    chan struct{}
}

// New returns a Reporter bound to ctx. The returned group's lifetime is the
// run's lifetime: call Drain before the run returns its summary.
func New(ctx context.Context, writer TimelineWriter) *Reporter {
	group, groupCtx := errgroup.WithContext(ctx)
	return &Reporter{writer: writer, group: group, ctx: groupCtx, sem: make(chan struct{}, maxConcurrentEmissions)}
}

// Emit queues a best-effort timeline write. Failures are logged and counted,
// never returned or allowed to fail the run.
func (r *Reporter) Emit(event models.TimelineEvent) {
	r.group.Go(func() error {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
		if err := r.writer.RecordTimelineEvent(r.ctx, event); err != nil {
			logging.Warnf("timeline emit failed for run=%s position=%d status=%s: %v",
				event.PipelineRunID, event.StepPosition, event.Status, err)
			metrics.ObserveBestEffortFailure("timeline")
		}
		return nil
	})
}

// EmitSequence queues a batch of best-effort timeline writes that must land
// in the given order regardless of individual completion timing (spec §5:
// downstream skip events produced by one branch are emitted "sequentially in
// ascending position order"). The whole batch runs in a single goroutine,
// one write after the previous one completes, so network timing can never
// reorder events within the batch the way independent Emit calls can.
func (r *Reporter) EmitSequence(events []models.TimelineEvent) {
	if len(events) == 0 {
		return
	}
	r.group.Go(func() error {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
		for _, event := range events {
			if err := r.writer.RecordTimelineEvent(r.ctx, event); err != nil {
				logging.Warnf("timeline emit failed for run=%s position=%d status=%s: %v",
					event.PipelineRunID, event.StepPosition, event.Status, err)
				metrics.ObserveBestEffortFailure("timeline")
			}
		}
		return nil
	})
}

// Drain waits for every queued emission to finish. It never returns an
// error: individual failures are already logged by Emit.
func (r *Reporter) Drain() {
	_ = r.group.Wait()
}

// FieldsUpdated returns the sorted keys of output whose values are
// non-null, for TimelineEvent.FieldsUpdated (spec §3).
func FieldsUpdated(output map[string]any) []string {
	if len(output) == 0 {
		return nil
	}
	keys := make([]string, 0, len(output))
	for k, v := range output {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sortStrings(keys)
	return keys
}

func sortStrings(keys []string) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}
