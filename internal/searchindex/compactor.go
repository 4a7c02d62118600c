package searchindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/events"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/tracing"
)

// CompactSource labels compaction commits.
const CompactSource = "index_worker_compaction"

// Compactor merges small or heavily deleted segments of one index kind.
type Compactor[Spec any, Seg Segment[Spec], Schema any] struct {
	kind   Kind[Spec, Seg, Schema]
	deps   Deps
	writer *MetadataWriter[Spec, Seg, Schema]
	cfg    config.CompactionConfig
	sem    *semaphore.Weighted
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewCompactor[Spec any, Seg Segment[Spec], Schema any](kind Kind[Spec, Seg, Schema], deps Deps, writer *MetadataWriter[Spec, Seg, Schema], cfg config.CompactionConfig) *Compactor[Spec, Seg, Schema] {
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}
	if cfg.MinCompactionSegments <= 0 {
		cfg.MinCompactionSegments = 1
	}
	return &Compactor[Spec, Seg, Schema]{
		kind:   kind,
		deps:   deps,
		writer: writer,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
		logger: slog.Default().With("component", "compactor", "kind", kind.Type().String()),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
}

type compactionJob[Seg, Schema any] struct {
	id      string
	name    string
	table   string
	startTS storage.Timestamp
	schema  Schema
	inputs  []Seg
}

// Step picks at most one set of segments per index and merges each set
// into one segment. It returns the number of segments merged per index
// name. Indexes whose segments moved under a merge are left for the next
// step.
func (c *Compactor[Spec, Seg, Schema]) Step(ctx context.Context) (merged map[string]uint64, err error) {
	ctx, span := tracing.StartStep(ctx, "compactor", attribute.String("kind", c.kind.Type().String()))
	defer func() { tracing.End(span, err) }()

	jobs, err := c.plan(ctx)
	if err != nil {
		return nil, err
	}

	merged = make(map[string]uint64)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		if err := c.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer c.sem.Release(1)
			n, err := c.compact(gctx, job)
			if errors.Is(err, apperrors.ErrOccConflict) {
				c.logger.Info("compaction lost a race, retrying next step", "index", job.name, "error", err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("compacting %s: %w", job.name, err)
			}
			mu.Lock()
			merged[job.name] += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return merged, err
	}
	if err := ctx.Err(); err != nil {
		return merged, err
	}
	span.SetAttributes(attribute.Int("indexes", len(merged)))
	return merged, nil
}

func (c *Compactor[Spec, Seg, Schema]) plan(ctx context.Context) ([]compactionJob[Seg, Schema], error) {
	var jobs []compactionJob[Seg, Schema]
	_, err := c.deps.Engine.InTx(ctx, CompactSource, func(tx *storage.Transaction) error {
		jobs = jobs[:0]
		indexes, err := c.deps.Model.ListByKind(tx, c.kind.Type())
		if err != nil {
			return err
		}
		for _, ix := range indexes {
			job, ok, err := c.candidate(ix)
			if err != nil {
				return err
			}
			if ok {
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("planning %s compaction: %w", c.kind.Type(), err)
	}
	return jobs, nil
}

func (c *Compactor[Spec, Seg, Schema]) candidate(ix *indexmeta.Index) (compactionJob[Seg, Schema], bool, error) {
	st, err := DecodeState[Seg](ix.OnDiskState)
	if err != nil {
		return compactionJob[Seg, Schema]{}, false, err
	}
	startTS, ok := st.SnapshotTS()
	if !ok {
		return compactionJob[Seg, Schema]{}, false, nil
	}
	if st.HasSnapshot() && !c.kind.IsVersionCurrent(st.Snapshot.Version) {
		c.logger.Debug("skipping index with foreign segment version", "index", ix.Name, "version", st.Snapshot.Version)
		return compactionJob[Seg, Schema]{}, false, nil
	}
	segs, ok := st.Segments()
	if !ok || len(segs) == 0 {
		return compactionJob[Seg, Schema]{}, false, nil
	}
	spec, err := c.kind.SpecFromConfig(ix.DeveloperConfig)
	if err != nil {
		return compactionJob[Seg, Schema]{}, false, err
	}
	selected := SelectSegments[Spec](segs, spec, c.cfg, c.shuffle)
	if len(selected) == 0 {
		return compactionJob[Seg, Schema]{}, false, nil
	}
	return compactionJob[Seg, Schema]{
		id:      ix.ID,
		name:    ix.Name,
		table:   ix.Table,
		startTS: startTS,
		schema:  c.kind.NewSchema(spec),
		inputs:  selected,
	}, true, nil
}

func (c *Compactor[Spec, Seg, Schema]) shuffle(n int, swap func(i, j int)) {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	c.rng.Shuffle(n, swap)
}

func (c *Compactor[Spec, Seg, Schema]) compact(ctx context.Context, job compactionJob[Seg, Schema]) (uint64, error) {
	if err := c.deps.checkLoad(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	kind := c.kind.Type().String()
	output, err := c.kind.ExecuteCompaction(ctx, c.deps.Blobs, job.schema, job.inputs)
	if err != nil {
		return 0, err
	}
	ts, err := c.writer.CommitCompaction(ctx, CompactSource, job.id, job.startTS, job.inputs, output)
	if err != nil {
		c.logger.Warn("compacted segment orphaned", "index", job.name, "segment", output.ID(), "error", err)
		return 0, err
	}
	n := uint64(len(job.inputs))
	if m := c.deps.Metrics; m != nil {
		m.CompactionMergedTotal.WithLabelValues(kind).Add(float64(n))
		m.CompactionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	logger.FromContext(logger.WithIndex(ctx, job.name)).Info("segments compacted",
		"inputs", n,
		"output", output.ID(),
		"live_docs", output.Statistics().NumLive(),
		"commit_ts", ts,
	)
	c.deps.publisher().Publish(events.Event{
		Type:      events.SegmentsCompacted,
		IndexID:   job.id,
		IndexName: job.name,
		Table:     job.table,
		Kind:      kind,
		CommitTS:  uint64(ts),
		Docs:      output.Statistics().NumLive(),
		Segments:  int(n),
		Timestamp: time.Now().UTC(),
	})
	return n, nil
}

// SelectSegments applies the compaction policy to segs:
//
//  1. Small segments (at most SmallSegmentThresholdBytes), smallest first,
//     are taken while their total size stays within MaxSegmentSizeBytes.
//     They are merged if at least MinCompactionSegments were taken. A
//     group of one is only rewritten when it has deleted documents.
//  2. Otherwise the same rule is applied to the larger segments. Segments
//     already at MaxSegmentSizeBytes are never selected.
//  3. Otherwise the larger segment with the highest deleted ratio above
//     MaxDeletedPercentage is rewritten alone.
//
// A selection larger than MaxCompactionSegments is shuffled and cut down
// to that many segments.
func SelectSegments[Spec any, Seg Segment[Spec]](segs []Seg, spec Spec, cfg config.CompactionConfig, shuffle func(n int, swap func(i, j int))) []Seg {
	type sized struct {
		seg  Seg
		size uint64
	}
	var small, large []sized
	for _, s := range segs {
		sz := s.TotalSizeBytes(spec)
		switch {
		case sz <= cfg.SmallSegmentThresholdBytes:
			small = append(small, sized{s, sz})
		case sz < cfg.MaxSegmentSizeBytes:
			large = append(large, sized{s, sz})
		}
	}

	pick := func(group []sized) []Seg {
		sort.SliceStable(group, func(i, j int) bool { return group[i].size < group[j].size })
		var (
			out   []Seg
			total uint64
		)
		for _, g := range group {
			if total+g.size > cfg.MaxSegmentSizeBytes {
				break
			}
			total += g.size
			out = append(out, g.seg)
		}
		if len(out) == 0 || len(out) < cfg.MinCompactionSegments {
			return nil
		}
		// A lone segment without deletes would be rewritten unchanged.
		if len(out) == 1 && out[0].Statistics().NumDeleted == 0 {
			return nil
		}
		return out
	}

	selected := pick(small)
	if selected == nil {
		selected = pick(large)
	}
	if selected == nil {
		var (
			worst      Seg
			worstRatio float64
			found      bool
		)
		for _, l := range large {
			r := l.seg.Statistics().DeletedRatio()
			if r > cfg.MaxDeletedPercentage && r > worstRatio {
				worst, worstRatio, found = l.seg, r, true
			}
		}
		if found {
			return []Seg{worst}
		}
		return nil
	}

	if limit := cfg.MaxCompactionSegments; limit > 0 && len(selected) > limit {
		shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })
		selected = selected[:limit]
	}
	return selected
}
