package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, m *MetricsService, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if want, ok := labels[label.GetName()]; ok && want != label.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetricsServiceRecordsDomainEvents(t *testing.T) {
	m := NewMetricsService()

	m.ObserveOptionLoad("arm", false, 10*time.Millisecond, nil)
	m.ObserveOptionLoad("arm", false, 5*time.Millisecond, errors.New("timeout"))
	m.ObserveBatchSubmission("results", "saved", 3)
	m.ObserveBatchSubmission("results", "invalid", 0)
	m.SetActiveSessions(sessionTypeForm, 2)

	assert.Equal(t, 1.0, counterValue(t, m, "option_load_failures_total", map[string]string{"level": "arm"}))
	assert.Equal(t, 1.0, counterValue(t, m, "batch_submissions_total", map[string]string{"kind": "results", "outcome": "saved"}))
	assert.Equal(t, 1.0, counterValue(t, m, "batch_submissions_total", map[string]string{"kind": "results", "outcome": "invalid"}))

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.OptionLoads)
	assert.Equal(t, uint64(1), snap.OptionLoadFailures)
	assert.Equal(t, uint64(2), snap.BatchSubmissions)
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var m *MetricsService
	assert.NotPanics(t, func() {
		m.ObserveHTTPRequest("GET", "/forms", 200, time.Millisecond)
		m.RecordCacheOperation(true, time.Millisecond)
		m.ObserveOptionLoad("class", true, 0, nil)
		m.ObserveBatchSubmission("attendance", "failed", 0)
		m.SetActiveSessions(sessionTypeSheet, 1)
	})
	assert.Zero(t, m.Snapshot().RequestsTotal)
	assert.Nil(t, m.Registry())
}
