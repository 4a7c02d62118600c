package main

import (
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
)

// commitMetrics feeds storage commit outcomes into Prometheus.
type commitMetrics struct {
	m *metrics.Metrics
}

func (c commitMetrics) Committed(source string, _ storage.Timestamp) {
	c.m.CommitsTotal.WithLabelValues(source).Inc()
}

func (c commitMetrics) Conflicted(string) {
	c.m.CommitConflictsTotal.Inc()
}
