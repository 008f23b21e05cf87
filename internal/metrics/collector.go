// Package metrics implements the dispatcher's append-only event log with
// sliding-window aggregation (spec §4.D, Metrics Collector) and the
// Prometheus exposition of those aggregates (prometheus_metrics.go).
package metrics

import (
	"sync"
	"time"

	"ratequeue/internal/queue"
)

// EventKind is the lifecycle point an Event records.
type EventKind int

const (
	EventEnqueue EventKind = iota
	EventDequeue
	EventComplete
	EventFailure
)

// Event is a single immutable record appended to the Collector's log
// (spec §4.D, "append-only event log"). MessageID is what lets
// GetReport match an EventComplete back to the EventEnqueue it
// completes. WaitTime is only meaningful on EventDequeue; TokensUsed is
// only meaningful on EventComplete.
type Event struct {
	Kind       EventKind
	MessageID  string
	Priority   queue.Priority
	At         time.Time
	WaitTime   time.Duration
	TokensUsed int
}

// Report is the aggregated snapshot returned by GetReport (spec §4.D,
// getReport()).
type Report struct {
	TotalMessages       int
	MessagesByPriority  map[queue.Priority]int
	OldestMessageAge    time.Duration
	AverageWaitTime     time.Duration
	ThroughputPerMinute float64
	TokensPerMinute     float64
}

// Collector retains events for at most MaxAge and at most MaxCount
// entries, whichever is reached first, and opportunistically trims past
// 120% of MaxCount rather than compacting on every Record (spec §4.D,
// "cleanup ... opportunistic").
type Collector struct {
	mu       sync.Mutex
	events   []Event
	maxAge   time.Duration
	maxCount int
}

// DefaultMaxAge and DefaultMaxCount match spec §4.D's stated defaults.
const (
	DefaultMaxAge   = 5 * time.Minute
	DefaultMaxCount = 10000
)

// New builds a Collector retaining up to maxCount events no older than
// maxAge.
func New(maxAge time.Duration, maxCount int) *Collector {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	return &Collector{maxAge: maxAge, maxCount: maxCount}
}

// Record appends an event, triggering cleanup once the log has grown past
// 120% of maxCount.
func (c *Collector) Record(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if len(c.events) > c.maxCount*6/5 {
		c.cleanupLocked(time.Now())
	}
}

func (c *Collector) cleanupLocked(now time.Time) {
	cutoff := now.Add(-c.maxAge)
	kept := c.events[:0]
	for _, ev := range c.events {
		if ev.At.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	if len(kept) > c.maxCount {
		kept = kept[len(kept)-c.maxCount:]
	}
	c.events = kept
}

// GetReport computes the current aggregate (spec §4.D, getReport()).
// TotalMessages and MessagesByPriority count enqueues in the window;
// AverageWaitTime is the mean of complete_ts − enqueue_ts, matched by
// messageId; ThroughputPerMinute and TokensPerMinute are computed from
// completions in the last 60 seconds, not the whole retained window.
func (c *Collector) GetReport() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.cleanupLocked(now)

	report := Report{MessagesByPriority: make(map[queue.Priority]int)}
	if len(c.events) == 0 {
		return report
	}

	enqueuedAt := make(map[string]time.Time)
	oldest := c.events[0].At

	for _, ev := range c.events {
		if ev.At.Before(oldest) {
			oldest = ev.At
		}
		if ev.Kind == EventEnqueue {
			report.TotalMessages++
			report.MessagesByPriority[ev.Priority]++
			enqueuedAt[ev.MessageID] = ev.At
		}
	}
	report.OldestMessageAge = now.Sub(oldest)

	var totalWait time.Duration
	var waitSamples int
	for _, ev := range c.events {
		if ev.Kind != EventComplete {
			continue
		}
		if start, ok := enqueuedAt[ev.MessageID]; ok {
			totalWait += ev.At.Sub(start)
			waitSamples++
		}
	}
	if waitSamples > 0 {
		report.AverageWaitTime = totalWait / time.Duration(waitSamples)
	}

	throughputWindow := now.Add(-time.Minute)
	var completesInWindow int
	var tokenSum int
	for _, ev := range c.events {
		if ev.Kind != EventComplete || ev.At.Before(throughputWindow) {
			continue
		}
		completesInWindow++
		tokenSum += ev.TokensUsed
	}
	report.ThroughputPerMinute = float64(completesInWindow)
	report.TokensPerMinute = float64(tokenSum)
	return report
}

// Len reports the current retained event count.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}
