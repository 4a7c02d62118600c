package main

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/fastforward"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/supervisor"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
)

// addSearchKind registers the flusher, compactor and fast-forward loops of
// one search index family.
func addSearchKind[Spec any, Seg searchindex.Segment[Spec], Schema any](
	sup *supervisor.Supervisor,
	kind searchindex.Kind[Spec, Seg, Schema],
	deps searchindex.Deps,
	cfg *config.Config,
	lease func(name string) supervisor.Lease,
) {
	prefix := kind.Type().String()
	writer := searchindex.NewMetadataWriter(kind, deps)

	flusher := searchindex.NewFlusher(kind, deps, writer, cfg.Flusher)
	sup.Add(supervisor.Loop{
		Name:     prefix + "_flusher",
		Interval: cfg.Flusher.PollInterval,
		Lease:    lease(prefix + "_flusher"),
		Step: func(ctx context.Context) error {
			_, err := flusher.Step(ctx)
			return err
		},
	})

	compactor := searchindex.NewCompactor(kind, deps, writer, cfg.Compaction)
	sup.Add(supervisor.Loop{
		Name:     prefix + "_compactor",
		Interval: cfg.Compaction.PollInterval,
		Lease:    lease(prefix + "_compactor"),
		Step: func(ctx context.Context) error {
			_, err := compactor.Step(ctx)
			return err
		},
	})

	ff := fastforward.NewWorker(kind, deps, cfg.FastForward)
	sup.Add(supervisor.Loop{
		Name:     prefix + "_fast_forward",
		Interval: cfg.FastForward.PollInterval,
		Lease:    lease(prefix + "_fast_forward"),
		Step: func(ctx context.Context) error {
			_, err := ff.Step(ctx)
			return err
		},
	})
}
