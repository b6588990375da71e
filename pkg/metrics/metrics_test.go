package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStep(t *testing.T) {
	ObserveStep("company.find_domain", "succeeded", 10*time.Millisecond)
	count, err := counterValue(stepTransitions.WithLabelValues("succeeded"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1.0)
}

func TestObservePollOutcome(t *testing.T) {
	ObservePollAttempt("icp_job_titles")
	ObservePollOutcome("icp_job_titles", "poll_timeout")
	count, err := counterValue(pollerOutcomes.WithLabelValues("icp_job_titles", "poll_timeout"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1.0)
}

func TestObserveFanOutZeroIsNoop(t *testing.T) {
	before, err := counterValue(fanOutChildren.WithLabelValues("company.derive.leads"))
	require.NoError(t, err)
	ObserveFanOut("company.derive.leads", 0)
	after, err := counterValue(fanOutChildren.WithLabelValues("company.derive.leads"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "unknown", normalize(""))
	assert.Equal(t, "unknown", normalize("   "))
	assert.Equal(t, "x", normalize("x"))
}

func counterValue(c prometheus.Counter) (float64, error) {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0, err
	}
	return m.GetCounter().GetValue(), nil
}
