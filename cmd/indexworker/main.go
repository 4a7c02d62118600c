package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/backfill"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/events"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex/text"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex/vector"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/status"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/supervisor"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/workermeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/tracing"
)

const segmentCacheSize = 256

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting index workers", "storage_dir", cfg.Storage.Dir, "blob_store", cfg.BlobStore.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("index workers failed", "error", err)
		os.Exit(1)
	}
	slog.Info("index workers stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, "index-workers")
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	m := metrics.New()
	checker := health.NewChecker()

	engine, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer engine.Close()
	engine.SetObserver(commitMetrics{m})
	m.Register(storage.NewCollector(engine))
	checker.Register("pebble", true, health.Ping(engine.Ping))

	summaries := documents.NewSummaries()
	if err := summaries.Bootstrap(ctx, engine); err != nil {
		return fmt.Errorf("bootstrapping table summaries: %w", err)
	}
	docs := documents.NewStore(summaries)
	checkpoints := checkpoint.New(summaries)
	workers := workermeta.New()
	model := indexmeta.NewModel(checkpoints, workers)
	docs.RegisterUpdater(backfill.NewMaintainer(model))

	blobs, err := openBlobStore(ctx, cfg.BlobStore, m)
	if err != nil {
		return err
	}
	checker.Register("blobstore", true, health.Ping(func(ctx context.Context) error {
		_, err := blobs.List(ctx, "segments/")
		return err
	}))

	g, gctx := errgroup.WithContext(ctx)

	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		batcher := events.NewBatcher(producer, m, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
		g.Go(func() error { return batcher.Run(gctx) })
		publisher = batcher
		slog.Info("publishing lifecycle events", "topic", cfg.Kafka.Topics.IndexLifecycle)
	}
	model.SetPublisher(publisher)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisClient.Close()
		checker.Register("redis", false, health.Ping(redisClient.Ping))
	}

	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		checker.Register("postgres", false, health.Ping(db.Ping))

		store := status.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating status schema: %w", err)
		}
		projector := status.NewProjector(status.NewCollector(engine, model, checkpoints, workers), store, cfg.Status.Interval)
		g.Go(func() error { return projector.Run(gctx) })
	}

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, checker)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown failed", "error", err)
			}
		}()
	}

	deps := searchindex.Deps{
		Engine:      engine,
		Documents:   docs,
		Model:       model,
		Checkpoints: checkpoints,
		Workers:     workers,
		Blobs:       blobs,
		Events:      publisher,
		Metrics:     m,
		Guard:       supervisor.NewMemoryGuard(cfg.Resources.MaxMemoryPercent),
	}

	sup := supervisor.New(cfg.Retry, m)
	lease := func(name string) supervisor.Lease {
		if redisClient == nil {
			return nil
		}
		return redisClient.NewLease("index-workers:"+name, cfg.Redis.LeaseTTL)
	}

	backfiller := backfill.NewWorker(backfill.Deps{
		Engine:      engine,
		Documents:   docs,
		Model:       model,
		Checkpoints: checkpoints,
		Events:      publisher,
		Metrics:     m,
	}, cfg.Backfill)
	sup.Add(supervisor.Loop{
		Name:     "database_backfill",
		Interval: cfg.Backfill.PollInterval,
		Lease:    lease("database_backfill"),
		Step: func(ctx context.Context) error {
			_, err := backfiller.Step(ctx)
			return err
		},
	})

	addSearchKind(sup, text.New(segmentCacheSize), deps, cfg, lease)
	addSearchKind(sup, vector.New(segmentCacheSize), deps, cfg, lease)

	g.Go(func() error { return sup.Run(gctx) })

	slog.Info("index workers ready")
	return g.Wait()
}
