package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counters gathers reg and sums every counter and gauge sample per family.
func counters(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveOperation("PACS", "find_studies", "success", 20*time.Millisecond)
	c.ObserveOperation("PACS", "find_studies", "success", 30*time.Millisecond)
	c.ObserveOperation("PACS", "download_series", "retriable", time.Second)
	c.SetBreakerState("PACS", 2)
	c.ObserveRequest("GET", "/health", "200", time.Millisecond)

	got := counters(t, reg)
	assert.Equal(t, 3.0, got["dicom_operations_total"])
	assert.Equal(t, 3.0, got["dicom_operation_duration_seconds"])
	assert.Equal(t, 2.0, got["dicom_breaker_state"])
	assert.Equal(t, 1.0, got["http_requests_total"])
}

func TestCollectorsUseSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
