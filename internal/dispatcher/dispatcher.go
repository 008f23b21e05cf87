// Package dispatcher implements the Dispatcher Core (spec §4.E): the
// component that owns a priority buffer, a storage adapter, and a score
// calculator, and ties them together into enqueue/dequeue/ack/nack.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ratequeue/internal/buffer"
	"ratequeue/internal/config"
	"ratequeue/internal/log"
	"ratequeue/internal/metrics"
	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimiter"
	"ratequeue/internal/scoring"
	"ratequeue/internal/storage"
)

// ErrQueueEmpty is Dequeue's "nothing available now" result: no candidate
// was found, none was admitted by the rate limiter or scored at or above
// the minimum threshold, or a storage or rate-limiter error occurred
// (logged, not returned).
var ErrQueueEmpty = errors.New("dispatcher: queue is empty")

// inFlightRecord is what the dispatcher remembers about a message it has
// handed to a caller, keyed by the message's current receipt handle, so
// MarkAsProcessed/MarkAsFailed/UpdateVisibility don't need the caller to
// carry anything beyond the ProcessableMessage they were given.
// startedAt is spec §3's InFlightMessage.startedAt, used to build the
// in-flight snapshot in GetQueueMetrics.
type inFlightRecord struct {
	message   queue.Message
	startedAt time.Time
}

// InFlightSnapshot is one entry of the in-flight snapshot spec §4.E's
// getQueueMetrics() composes into QueueMetricsSnapshot.
type InFlightSnapshot struct {
	ID        string
	Priority  queue.Priority
	StartedAt time.Time
	Elapsed   time.Duration
}

// QueueMetricsSnapshot is the composite value spec §4.E's
// getQueueMetrics() returns: storage attributes, the Collector's
// sliding-window report, a snapshot of every in-flight message, and the
// buffer's current utilization fraction.
type QueueMetricsSnapshot struct {
	StorageAttributes storage.Attributes
	Report            metrics.Report
	InFlight          []InFlightSnapshot
	BufferUtilization float64
}

// inlineRefillThreshold and directFetchLimit implement spec §4.E's
// dequeue steps 1 and 3: with prefetch disabled, Dequeue itself does the
// buffer topping-up and the direct-fetch fallback that a running
// PrefetchWorker would otherwise handle.
const (
	inlineRefillThreshold = 10
	directFetchLimit      = 10
)

// Dispatcher is the Dispatcher Core (spec §4.E). Construct with New;
// the zero value is not usable.
type Dispatcher struct {
	storage   storage.Adapter
	buffer    *buffer.PriorityBuffer
	scorer    *scoring.Calculator
	metrics   *metrics.QueueMetrics
	collector *metrics.Collector
	logger    log.Capability

	maxCandidates     int
	minScoreThreshold float64
	visibilityTimeout time.Duration
	prefetchEnabled   bool

	mu       sync.Mutex
	inFlight map[string]*inFlightRecord

	prefetch *PrefetchWorker
	cancel   context.CancelFunc
}

// New builds a Dispatcher over adapter, wiring in cfg's scoring weights
// and thresholds. If cfg.EnablePrefetch is set, a background prefetch
// worker is started immediately; callers must call Stop when done.
func New(adapter storage.Adapter, cfg *config.Config, collector *metrics.Collector, promMetrics *metrics.QueueMetrics, logger log.Capability) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	d := &Dispatcher{
		storage:           adapter,
		buffer:            buffer.New(cfg.BufferSize),
		scorer:            scoring.New(cfg.Weights),
		metrics:           promMetrics,
		collector:         collector,
		logger:            logger,
		maxCandidates:     cfg.MaxCandidatesToEvaluate,
		minScoreThreshold: cfg.MinScoreThreshold,
		visibilityTimeout: cfg.VisibilityTimeout,
		prefetchEnabled:   cfg.EnablePrefetch,
		inFlight:          make(map[string]*inFlightRecord),
	}

	if cfg.EnablePrefetch {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.prefetch = NewPrefetchWorker(d, cfg.PrefetchInterval)
		go d.prefetch.Run(ctx)
	}

	return d
}

// Enqueue implements spec §4.E's enqueue(request): storage assigns the
// envelope and the message becomes visible. It is not staged into the
// priority buffer here — the buffer only ever holds messages storage
// has already transitioned to in-flight (spec §3, "items in buffer are
// also present in storage as in-flight"); that staging happens in
// Dequeue's inline refill or in the PrefetchWorker.
func (d *Dispatcher) Enqueue(ctx context.Context, req queue.Request) (queue.Message, error) {
	msg, err := d.storage.Enqueue(ctx, req)
	if err != nil {
		return queue.Message{}, fmt.Errorf("enqueue: %w", err)
	}
	if d.metrics != nil {
		d.metrics.RecordEnqueue(msg.ID, msg.Body.Priority)
	}
	return msg, nil
}

// BatchEnqueue implements spec §4.E's batchEnqueue(requests).
func (d *Dispatcher) BatchEnqueue(ctx context.Context, reqs []queue.Request) ([]queue.Message, error) {
	msgs, err := d.storage.BatchEnqueue(ctx, reqs)
	if err != nil {
		return msgs, fmt.Errorf("batch enqueue: %w", err)
	}
	if d.metrics != nil {
		for _, msg := range msgs {
			d.metrics.RecordEnqueue(msg.ID, msg.Body.Priority)
		}
	}
	return msgs, nil
}

// Dequeue implements spec §4.E's dequeue(rateLimiter): the optimal
// candidate selection algorithm.
//
//  1. If prefetch is disabled and the buffer is under inlineRefillThreshold,
//     pull messages from storage into the buffer, best effort (mirrors
//     what a running PrefetchWorker would otherwise keep topped up).
//  2. Collect up to maxCandidates from the buffer in priority order —
//     every buffered message is already in-flight in storage, staged
//     there by step 1 or by the PrefetchWorker.
//  3. If the buffer yielded nothing and prefetch is disabled, fall back
//     to a direct storage dequeue of up to directFetchLimit messages and
//     treat the result as the candidate set; they are already in-flight.
//  4. Score and select the optimal candidate; candidates not chosen are
//     left in-flight rather than released, the documented at-least-once
//     quirk (their receiveCount increments again on redelivery once
//     their visibility expires).
func (d *Dispatcher) Dequeue(ctx context.Context, rl ratelimiter.RateLimiter) (*ProcessableMessage, error) {
	if !d.prefetchEnabled && d.buffer.Size() < inlineRefillThreshold {
		room := d.buffer.Capacity() - d.buffer.Size()
		if room > 0 {
			fetched, err := d.storage.Dequeue(ctx, room, d.visibilityTimeout)
			if err != nil {
				d.logger.Warnw("inline buffer refill failed", "error", err)
			} else {
				for _, msg := range fetched {
					d.buffer.Add(msg, msg.Body.Priority, nil)
				}
				if d.metrics != nil {
					d.metrics.SetBufferDepth(d.buffer.Size())
				}
			}
		}
	}

	candidates := d.buffer.PeekByPriority(d.maxCandidates)
	fromBuffer := len(candidates) > 0

	if !fromBuffer && !d.prefetchEnabled {
		fetched, err := d.storage.Dequeue(ctx, directFetchLimit, d.visibilityTimeout)
		if err != nil {
			d.logger.Warnw("direct storage fetch failed", "error", err)
			return nil, ErrQueueEmpty
		}
		candidates = fetched
	}
	if len(candidates) == 0 {
		return nil, ErrQueueEmpty
	}

	rateMetrics, err := rl.GetMetrics()
	if err != nil {
		d.logger.Warnw("rate limiter metrics unavailable, no candidate admissible", "error", err)
		return nil, ErrQueueEmpty
	}
	scoreCtx := scoring.Context{
		Rate: scoring.RateSnapshot{
			RPMAvailable: rateMetrics.RPM.Available,
			TPMAvailable: rateMetrics.TPM.Available,
			Efficiency:   rateMetrics.Efficiency,
		},
		Queue:       scoring.QueueSnapshot{Depth: d.buffer.Size()},
		CurrentTime: time.Now(),
	}

	var best *queue.Message
	var bestScore queue.Score
	for i := range candidates {
		cand := &candidates[i]
		decision, err := rl.CanProcess(cand.Body.TokenInfo.Estimated)
		if err != nil {
			d.logger.Warnw("rate limiter canProcess failed, skipping candidate", "messageId", cand.ID, "error", err)
			continue
		}
		if !decision.Allowed {
			continue
		}
		score := d.scorer.Calculate(*cand, scoreCtx)
		if best == nil || score.Total > bestScore.Total {
			best = cand
			bestScore = score
		}
	}

	if best == nil || bestScore.Total < d.minScoreThreshold {
		return nil, ErrQueueEmpty
	}

	if fromBuffer {
		d.buffer.Remove(best.ID)
		if d.metrics != nil {
			d.metrics.SetBufferDepth(d.buffer.Size())
		}
	}

	startedAt := time.Now()
	d.mu.Lock()
	d.inFlight[best.Attributes.ReceiptHandle] = &inFlightRecord{message: *best, startedAt: startedAt}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordDequeue(best.ID, best.Body.Priority, time.Since(best.Attributes.EnqueuedAt))
	}

	return &ProcessableMessage{
		Message:       *best,
		Score:         bestScore,
		dispatcher:    d,
		receiptHandle: best.Attributes.ReceiptHandle,
	}, nil
}

// release removes a receipt handle from the in-flight index; called
// once a ProcessableMessage has been terminally resolved.
func (d *Dispatcher) release(receiptHandle string) {
	d.mu.Lock()
	delete(d.inFlight, receiptHandle)
	d.mu.Unlock()
}

// MarkAsProcessed resolves the in-flight message addressed by
// receiptHandle as successfully processed (spec §4.E, markAsProcessed).
// It is the handle-addressed counterpart to ProcessableMessage's method
// of the same name, used by the HTTP layer (spec §3), which only has a
// receipt handle to work with across requests, not the in-process
// ProcessableMessage Dequeue returned.
func (d *Dispatcher) MarkAsProcessed(ctx context.Context, receiptHandle string, tokensUsed int) error {
	d.mu.Lock()
	rec, ok := d.inFlight[receiptHandle]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("mark as processed: unknown receipt handle")
	}
	if err := d.storage.DeleteMessage(ctx, receiptHandle); err != nil {
		return fmt.Errorf("mark as processed: %w", err)
	}
	d.release(receiptHandle)
	if d.metrics != nil {
		d.metrics.RecordComplete(rec.message.ID, rec.message.Body.Priority, tokensUsed)
	}
	return nil
}

// MarkAsFailed resolves the in-flight message addressed by
// receiptHandle as failed (spec §4.E, markAsFailed); see
// ProcessableMessage.MarkAsFailed for why this never deletes from
// storage.
func (d *Dispatcher) MarkAsFailed(ctx context.Context, receiptHandle string) error {
	d.mu.Lock()
	rec, ok := d.inFlight[receiptHandle]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("mark as failed: unknown receipt handle")
	}
	if err := d.storage.UpdateVisibilityTimeout(ctx, receiptHandle, 0); err != nil {
		return fmt.Errorf("mark as failed: %w", err)
	}
	d.release(receiptHandle)
	if d.metrics != nil {
		d.metrics.RecordFailure(rec.message.ID, rec.message.Body.Priority)
	}
	return nil
}

// UpdateVisibility extends or shortens the in-flight window for the
// message addressed by receiptHandle (spec §4.E, updateVisibility),
// without resolving it.
func (d *Dispatcher) UpdateVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	d.mu.Lock()
	_, ok := d.inFlight[receiptHandle]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("update visibility: unknown receipt handle")
	}
	return d.storage.UpdateVisibilityTimeout(ctx, receiptHandle, timeout)
}

// GetQueueMetrics implements spec §4.E's getQueueMetrics(): composes
// storage attributes, the Collector's sliding-window report, a snapshot
// of every in-flight message, and the buffer's utilization fraction.
func (d *Dispatcher) GetQueueMetrics(ctx context.Context) (QueueMetricsSnapshot, error) {
	attrs, err := d.storage.GetQueueAttributes(ctx)
	if err != nil {
		return QueueMetricsSnapshot{}, fmt.Errorf("get queue metrics: %w", err)
	}

	report := metrics.Report{MessagesByPriority: make(map[queue.Priority]int)}
	if d.collector != nil {
		report = d.collector.GetReport()
	}

	now := time.Now()
	d.mu.Lock()
	inFlight := make([]InFlightSnapshot, 0, len(d.inFlight))
	for _, rec := range d.inFlight {
		inFlight = append(inFlight, InFlightSnapshot{
			ID:        rec.message.ID,
			Priority:  rec.message.Body.Priority,
			StartedAt: rec.startedAt,
			Elapsed:   now.Sub(rec.startedAt),
		})
	}
	d.mu.Unlock()

	var utilization float64
	if capacity := d.buffer.Capacity(); capacity > 0 {
		utilization = float64(d.buffer.Size()) / float64(capacity)
	}

	return QueueMetricsSnapshot{
		StorageAttributes: attrs,
		Report:            report,
		InFlight:          inFlight,
		BufferUtilization: utilization,
	}, nil
}

// Purge implements spec §4.E's purge(): clears the buffer and wipes
// storage. The in-flight index is cleared too, since every outstanding
// ProcessableMessage now refers to a deleted record.
func (d *Dispatcher) Purge(ctx context.Context) error {
	d.buffer.Clear()
	d.mu.Lock()
	d.inFlight = make(map[string]*inFlightRecord)
	d.mu.Unlock()
	if err := d.storage.Purge(ctx); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	return nil
}

// Stop implements spec §4.E's stop(): halts the prefetch worker, if one
// is running. It does not touch storage or in-flight messages.
func (d *Dispatcher) Stop() {
	if d.prefetch != nil {
		d.prefetch.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
}
