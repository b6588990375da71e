package reporter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/data-engine/pipeline-runner/internal/models"
)

type fakeTimelineWriter struct {
	calls  int32
	failOn models.StepStatus
}

func (f *fakeTimelineWriter) RecordTimelineEvent(ctx context.Context, event models.TimelineEvent) error {
	atomic.AddInt32(&f.calls, 1)
	if f.failOn != "" && event.Status == f.failOn {
		return errors.New("write failed")
	}
	return nil
}

func TestEmitAndDrainWaitsForAllWrites(t *testing.T) {
	writer := &fakeTimelineWriter{}
	r := New(context.Background(), writer)
	for i := 0; i < 10; i++ {
		r.Emit(models.TimelineEvent{PipelineRunID: "run-1", StepPosition: i, Status: models.StepSucceeded})
	}
	r.Drain()
	assert.EqualValues(t, 10, atomic.LoadInt32(&writer.calls))
}

func TestEmitSwallowsFailures(t *testing.T) {
	writer := &fakeTimelineWriter{failOn: models.StepFailed}
	r := New(context.Background(), writer)
	r.Emit(models.TimelineEvent{PipelineRunID: "run-1", StepPosition: 1, Status: models.StepFailed})
	r.Drain()
	assert.EqualValues(t, 1, atomic.LoadInt32(&writer.calls))
}

// orderedTimelineWriter records the arrival order of writes, delaying the
// first-queued event so a concurrency bug that lets later events race ahead
// would be caught.
type orderedTimelineWriter struct {
	mu        sync.Mutex
	positions []int
}

func (w *orderedTimelineWriter) RecordTimelineEvent(ctx context.Context, event models.TimelineEvent) error {
	if event.StepPosition == 1 {
		time.Sleep(5 * time.Millisecond)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.positions = append(w.positions, event.StepPosition)
	return nil
}

func TestEmitSequencePreservesOrderRegardlessOfPerWriteLatency(t *testing.T) {
	writer := &orderedTimelineWriter{}
	r := New(context.Background(), writer)
	r.EmitSequence([]models.TimelineEvent{
		{PipelineRunID: "run-1", StepPosition: 1, Status: models.StepSkipped},
		{PipelineRunID: "run-1", StepPosition: 2, Status: models.StepSkipped},
		{PipelineRunID: "run-1", StepPosition: 3, Status: models.StepSkipped},
	})
	r.Drain()
	require.Equal(t, []int{1, 2, 3}, writer.positions)
}

func TestEmitSequenceEmptyBatchIsNoop(t *testing.T) {
	writer := &fakeTimelineWriter{}
	r := New(context.Background(), writer)
	r.EmitSequence(nil)
	r.Drain()
	assert.EqualValues(t, 0, atomic.LoadInt32(&writer.calls))
}

func TestFieldsUpdatedSortedAndNilsOmitted(t *testing.T) {
	got := FieldsUpdated(map[string]any{"b": 1, "a": "x", "c": nil})
	require.Equal(t, []string{"a", "b"}, got)
}

func TestFieldsUpdatedEmptyIsNil(t *testing.T) {
	assert.Nil(t, FieldsUpdated(nil))
	assert.Nil(t, FieldsUpdated(map[string]any{}))
}
