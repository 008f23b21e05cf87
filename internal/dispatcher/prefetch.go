package dispatcher

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// PrefetchWorker periodically refills the priority buffer from storage
// and renews the visibility window of everything it holds (spec §4.E,
// "prefetch worker"). The refill's storage call is wrapped in a circuit
// breaker the way the teacher's Flusher wraps its upsert calls, so a
// struggling storage backend degrades the prefetch path without taking
// the whole dispatcher down; the visibility-extension calls are not
// wrapped. With prefetch enabled, Dequeue has no direct-fetch fallback
// and draws candidates from the buffer only.
type PrefetchWorker struct {
	dispatcher *Dispatcher
	interval   time.Duration
	cb         *gobreaker.CircuitBreaker
	stop       chan struct{}
}

// NewPrefetchWorker builds a worker over d, refilling every interval.
func NewPrefetchWorker(d *Dispatcher, interval time.Duration) *PrefetchWorker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "prefetch",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &PrefetchWorker{
		dispatcher: d,
		interval:   interval,
		cb:         cb,
		stop:       make(chan struct{}),
	}
}

// Run blocks, refilling and renewing on every tick, until ctx is
// canceled or Stop is called.
func (w *PrefetchWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.refill(ctx)
			w.extendVisibility(ctx)
		}
	}
}

// Stop halts the worker; safe to call once.
func (w *PrefetchWorker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *PrefetchWorker) refill(ctx context.Context) {
	d := w.dispatcher
	room := d.buffer.Capacity() - d.buffer.Size()
	if room <= 0 {
		return
	}

	_, err := w.cb.Execute(func() (interface{}, error) {
		msgs, err := d.storage.Dequeue(ctx, room, d.visibilityTimeout)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			d.buffer.Add(msg, msg.Body.Priority, nil)
		}
		return nil, nil
	})
	if err != nil {
		d.logger.Warnw("prefetch refill failed", "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.SetBufferDepth(d.buffer.Size())
	}
}

// extendVisibility renews the in-flight window for everything currently
// buffered, the same periodic-renewal idea as the teacher's lease
// daemon. A message whose renewal fails is dropped from the buffer
// rather than retried indefinitely; it remains in storage and will be
// picked up again once its original visibility window actually expires.
func (w *PrefetchWorker) extendVisibility(ctx context.Context) {
	d := w.dispatcher
	for _, msg := range d.buffer.GetAll() {
		if err := d.storage.UpdateVisibilityTimeout(ctx, msg.Attributes.ReceiptHandle, d.visibilityTimeout); err != nil {
			d.logger.Warnw("failed to extend buffered message visibility, dropping from buffer", "messageId", msg.ID, "error", err)
			d.buffer.Remove(msg.ID)
		}
	}
}
