package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu      sync.Mutex
	fail    bool
	batches [][]kafka.Event
}

func (p *fakeProducer) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.batches = append(p.batches, events)
	return nil
}

func TestBatcherFlushesAndCounts(t *testing.T) {
	p := &fakeProducer{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	b := NewBatcher(p, m, 10, time.Hour)

	b.Publish(Event{Type: BackfillCompleted, IndexID: "i1"})
	b.Publish(Event{Type: FastForwarded, IndexID: "i2"})
	assert.Equal(t, 2, b.BufferLen())

	b.Flush(context.Background())
	assert.Zero(t, b.BufferLen())
	require.Len(t, p.batches, 1)
	assert.Equal(t, "i1", p.batches[0][0].Key)
	ev := p.batches[0][0].Value.(Event)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues(string(BackfillCompleted), "ok")))
}

func TestBatcherRequeuesOnFailure(t *testing.T) {
	p := &fakeProducer{fail: true}
	b := NewBatcher(p, nil, 2, time.Hour)
	for i := 0; i < 5; i++ {
		b.mu.Lock()
		b.buffer = append(b.buffer, kafka.Event{Key: "k", Value: Event{Type: SegmentFlushed}})
		b.mu.Unlock()
	}
	b.Flush(context.Background())
	assert.Equal(t, 5, b.BufferLen())

	for i := 0; i < 3; i++ {
		b.mu.Lock()
		b.buffer = append(b.buffer, kafka.Event{Key: "k", Value: Event{Type: SegmentFlushed}})
		b.mu.Unlock()
	}
	b.Flush(context.Background())
	assert.Equal(t, 6, b.BufferLen(), "capped at three batches")

	p.fail = false
	b.Flush(context.Background())
	assert.Zero(t, b.BufferLen())
}

func TestBatcherRunFlushesOnShutdown(t *testing.T) {
	p := &fakeProducer{}
	b := NewBatcher(p, nil, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	b.Publish(Event{Type: IndexEnabled, IndexID: "i"})
	cancel()
	b.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.batches, 1)
}

func TestRecorderFilters(t *testing.T) {
	r := &Recorder{}
	var pub Publisher = r
	pub.Publish(Event{Type: FastForwarded})
	pub.Publish(Event{Type: SegmentsCompacted})
	Nop{}.Publish(Event{})
	assert.Len(t, r.OfType(FastForwarded), 1)
}

func TestRecorderConcurrentPublish(t *testing.T) {
	r := &Recorder{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Publish(Event{Type: SegmentsCompacted})
				_ = r.OfType(SegmentsCompacted)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, r.All(), 800)
}
