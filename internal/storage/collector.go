package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleStat struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// Collector exports pebble internals and the commit clock to Prometheus.
type Collector struct {
	engine *Engine
	stats  []pebbleStat
	latest *prometheus.Desc
	commit *prometheus.Desc
}

func NewCollector(e *Engine) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("index_worker_pebble_"+name, help, nil, nil)
	}
	return &Collector{
		engine: e,
		stats: []pebbleStat{
			{desc("compactions_total", "Compactions performed."), prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
			{desc("compaction_debt_bytes", "Estimated bytes left to compact."), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
			{desc("compaction_in_progress_bytes", "Bytes being compacted."), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }},
			{desc("memtable_size_bytes", "Memtable size."), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
			{desc("memtable_count", "Live memtables."), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
			{desc("wal_files", "Live WAL files."), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
			{desc("wal_bytes_written_total", "Physical bytes written to the WAL."), prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
			{desc("disk_usage_bytes", "Bytes used on disk."), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }},
		},
		latest: prometheus.NewDesc("index_worker_storage_latest_commit_ts_seconds",
			"Wall-clock time of the newest commit.", nil, nil),
		commit: prometheus.NewDesc("index_worker_storage_commits_since_load",
			"Write commits since the engine was opened.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
	ch <- c.latest
	ch <- c.commit
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.engine.closed.Load() {
		m := c.engine.db.Metrics()
		for _, s := range c.stats {
			ch <- prometheus.MustNewConstMetric(s.desc, s.kind, s.value(m))
		}
	}
	ts := c.engine.LatestCommitTS()
	ch <- prometheus.MustNewConstMetric(c.latest, prometheus.GaugeValue, float64(ts)/1e9)
	ch <- prometheus.MustNewConstMetric(c.commit, prometheus.GaugeValue, float64(c.engine.CommitsSinceLoad()))
}
