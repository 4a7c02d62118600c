package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistryIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	// A second set on its own registry must not panic on duplicate names.
	_ = NewWithRegistry(prometheus.NewRegistry())

	m.FastForwardScansTotal.WithLabelValues("text", "scanned").Inc()
	m.FastForwardScansTotal.WithLabelValues("text", "scanned").Inc()
	m.CommitConflictsTotal.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FastForwardScansTotal.WithLabelValues("text", "scanned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitConflictsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["index_worker_fast_forward_scans_total"])
	assert.True(t, names["index_worker_commit_conflicts_total"])
}
