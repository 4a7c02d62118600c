package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
)

// BatchPublisher is the subset of *kafka.Producer the batcher needs.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Batcher accumulates events and flushes them to Kafka either when the
// batch reaches a configurable size or after a time interval.
type Batcher struct {
	producer      BatchPublisher
	metrics       *metrics.Metrics
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// NewBatcher creates a Batcher. m may be nil.
func NewBatcher(producer BatchPublisher, m *metrics.Metrics, batchSize int, flushInterval time.Duration) *Batcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Batcher{
		producer:      producer,
		metrics:       m,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "event-batcher"),
		done:          make(chan struct{}),
	}
}

// Run flushes on every tick until ctx is cancelled, then flushes once more
// with a short deadline.
func (b *Batcher) Run(ctx context.Context) error {
	defer close(b.done)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	b.logger.Info("event batcher started", "batch_size", b.batchSize, "flush_interval", b.flushInterval)

	for {
		select {
		case <-ticker.C:
			b.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.Flush(flushCtx)
			cancel()
			return nil
		}
	}
}

// Publish buffers e. A full buffer triggers a flush in the background.
func (b *Batcher) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	b.buffer = append(b.buffer, kafka.Event{Key: e.IndexID, Value: e})
	shouldFlush := len(b.buffer) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		go b.Flush(context.Background())
	}
}

// Wait blocks until Run has returned.
func (b *Batcher) Wait() {
	<-b.done
}

// BufferLen returns the current number of buffered events.
func (b *Batcher) BufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Flush publishes the buffered events. Failed events are re-queued up to
// three batches' worth; beyond that the oldest are dropped.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buffer
	b.buffer = make([]kafka.Event, 0, b.batchSize)
	b.mu.Unlock()

	if err := b.producer.PublishBatch(ctx, batch); err != nil {
		b.logger.Error("event flush failed", "batch_size", len(batch), "error", err)
		b.count(batch, "error")
		b.mu.Lock()
		b.buffer = append(batch, b.buffer...)
		if limit := b.batchSize * 3; len(b.buffer) > limit {
			dropped := len(b.buffer) - limit
			b.buffer = b.buffer[dropped:]
			b.logger.Warn("event buffer overflow, events dropped", "dropped", dropped)
		}
		b.mu.Unlock()
		return
	}
	b.count(batch, "ok")
	b.logger.Debug("events flushed", "events", len(batch))
}

func (b *Batcher) count(batch []kafka.Event, status string) {
	if b.metrics == nil {
		return
	}
	for _, e := range batch {
		if ev, ok := e.Value.(Event); ok {
			b.metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), status).Inc()
		}
	}
}
