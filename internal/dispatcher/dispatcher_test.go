package dispatcher

import (
	"context"
	"testing"
	"time"

	"ratequeue/internal/config"
	"ratequeue/internal/log"
	"ratequeue/internal/metrics"
	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimiter"
	"ratequeue/internal/scoring"
	"ratequeue/internal/storage"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	adapter, err := storage.NewMemory(1)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	cfg := &config.Config{
		BufferSize:              10,
		MaxCandidatesToEvaluate: 10,
		MinScoreThreshold:       0,
		VisibilityTimeout:       time.Minute,
		Weights:                 scoring.DefaultWeights(),
	}
	collector := metrics.New(metrics.DefaultMaxAge, metrics.DefaultMaxCount)
	promMetrics := metrics.NewQueueMetrics(collector, log.NewDevelopment())
	d := New(adapter, cfg, collector, promMetrics, log.Nop())
	t.Cleanup(d.Stop)
	return d
}

func TestEnqueueThenDequeueReturnsMessage(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	enqueued, err := d.Enqueue(ctx, queue.Request{Priority: queue.High, TokenInfo: queue.TokenInfo{Estimated: 50}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pm, err := d.Dequeue(ctx, ratelimiter.AllowAll())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if pm.Message.ID != enqueued.ID {
		t.Errorf("dequeued id %s, want %s", pm.Message.ID, enqueued.ID)
	}
	if pm.Message.Attributes.ReceiveCount != 1 {
		t.Errorf("receiveCount = %d, want 1 after a single dequeue", pm.Message.Attributes.ReceiveCount)
	}
	if pm.Message.Attributes.ReceiptHandle == enqueued.Attributes.ReceiptHandle {
		t.Error("expected dequeue to regenerate the receipt handle")
	}
}

func TestDequeueAfterMarkAsFailedIncrementsReceiveCountOnRedelivery(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	d.Enqueue(ctx, queue.Request{Priority: queue.Normal, TokenInfo: queue.TokenInfo{Estimated: 10}})

	first, err := d.Dequeue(ctx, ratelimiter.AllowAll())
	if err != nil {
		t.Fatalf("first Dequeue: %v", err)
	}
	if err := first.MarkAsFailed(ctx); err != nil {
		t.Fatalf("MarkAsFailed: %v", err)
	}

	second, err := d.Dequeue(ctx, ratelimiter.AllowAll())
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if second.Message.Attributes.ReceiveCount != 2 {
		t.Errorf("receiveCount = %d, want 2 after redelivery", second.Message.Attributes.ReceiveCount)
	}
}

func TestDequeueOnEmptyQueueReturnsErrQueueEmpty(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dequeue(context.Background(), ratelimiter.AllowAll())
	if err != ErrQueueEmpty {
		t.Errorf("got %v, want ErrQueueEmpty", err)
	}
}

func TestDequeuePrefersHigherPriorityCandidate(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	d.Enqueue(ctx, queue.Request{Priority: queue.Low, TokenInfo: queue.TokenInfo{Estimated: 10}})
	d.Enqueue(ctx, queue.Request{Priority: queue.Urgent, TokenInfo: queue.TokenInfo{Estimated: 10}})

	pm, err := d.Dequeue(ctx, ratelimiter.AllowAll())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if pm.Message.Body.Priority != queue.Urgent {
		t.Errorf("expected urgent candidate to win selection, got %v", pm.Message.Body.Priority)
	}
}

func TestMarkAsProcessedRemovesFromStorage(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	d.Enqueue(ctx, queue.Request{Priority: queue.Normal})
	pm, err := d.Dequeue(ctx, ratelimiter.AllowAll())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := pm.MarkAsProcessed(ctx, 42); err != nil {
		t.Fatalf("MarkAsProcessed: %v", err)
	}
	if err := pm.MarkAsProcessed(ctx, 42); err == nil {
		t.Error("expected second MarkAsProcessed on the same message to fail")
	}

	count, _ := d.storage.GetApproximateMessageCount(ctx)
	if count != 0 {
		t.Errorf("expected message to be gone from storage, count = %d", count)
	}
}

func TestMarkAsFailedKeepsMessageRedeliverable(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	d.Enqueue(ctx, queue.Request{Priority: queue.Normal})
	pm, err := d.Dequeue(ctx, ratelimiter.AllowAll())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := pm.MarkAsFailed(ctx); err != nil {
		t.Fatalf("MarkAsFailed: %v", err)
	}

	count, _ := d.storage.GetApproximateMessageCount(ctx)
	if count != 1 {
		t.Errorf("expected failed message to remain visible in storage, count = %d", count)
	}
}

func TestDequeueRespectsRateLimiterDenial(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	d.Enqueue(ctx, queue.Request{Priority: queue.Normal, TokenInfo: queue.TokenInfo{Estimated: 10}})

	_, err := d.Dequeue(ctx, ratelimiter.DenyAll())
	if err != ErrQueueEmpty {
		t.Errorf("expected a fully-denying rate limiter to leave nothing selectable, got %v", err)
	}
}

func TestPurgeClearsBufferAndStorage(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	d.Enqueue(ctx, queue.Request{Priority: queue.Normal})

	if err := d.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if d.buffer.Size() != 0 {
		t.Errorf("buffer size after purge = %d, want 0", d.buffer.Size())
	}
	count, _ := d.storage.GetApproximateMessageCount(ctx)
	if count != 0 {
		t.Errorf("storage count after purge = %d, want 0", count)
	}
}
