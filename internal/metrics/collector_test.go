package metrics

import (
	"testing"
	"time"

	"ratequeue/internal/queue"
)

func TestRecordThenGetReportCountsByPriority(t *testing.T) {
	c := New(time.Minute, 100)
	c.Record(Event{Kind: EventEnqueue, Priority: queue.Urgent, At: time.Now()})
	c.Record(Event{Kind: EventEnqueue, Priority: queue.Low, At: time.Now()})
	c.Record(Event{Kind: EventEnqueue, Priority: queue.Urgent, At: time.Now()})

	report := c.GetReport()
	if report.TotalMessages != 3 {
		t.Fatalf("TotalMessages = %d, want 3", report.TotalMessages)
	}
	if report.MessagesByPriority[queue.Urgent] != 2 {
		t.Errorf("Urgent count = %d, want 2", report.MessagesByPriority[queue.Urgent])
	}
	if report.MessagesByPriority[queue.Low] != 1 {
		t.Errorf("Low count = %d, want 1", report.MessagesByPriority[queue.Low])
	}
}

func TestGetReportAveragesWaitTimeMatchedByMessageID(t *testing.T) {
	c := New(time.Minute, 100)
	now := time.Now()
	c.Record(Event{Kind: EventEnqueue, MessageID: "a", Priority: queue.Normal, At: now})
	c.Record(Event{Kind: EventEnqueue, MessageID: "b", Priority: queue.Normal, At: now})
	c.Record(Event{Kind: EventComplete, MessageID: "a", Priority: queue.Normal, At: now.Add(2 * time.Second)})
	c.Record(Event{Kind: EventComplete, MessageID: "b", Priority: queue.Normal, At: now.Add(4 * time.Second)})

	report := c.GetReport()
	if report.AverageWaitTime != 3*time.Second {
		t.Errorf("AverageWaitTime = %v, want 3s", report.AverageWaitTime)
	}
}

func TestGetReportIgnoresCompletesWithNoMatchingEnqueue(t *testing.T) {
	c := New(time.Minute, 100)
	now := time.Now()
	c.Record(Event{Kind: EventComplete, MessageID: "unmatched", Priority: queue.Normal, At: now})

	report := c.GetReport()
	if report.AverageWaitTime != 0 {
		t.Errorf("AverageWaitTime = %v, want 0 with no matched enqueue", report.AverageWaitTime)
	}
}

func TestGetReportOnEmptyLogReturnsZeroValue(t *testing.T) {
	c := New(time.Minute, 100)
	report := c.GetReport()
	if report.TotalMessages != 0 {
		t.Errorf("TotalMessages = %d, want 0", report.TotalMessages)
	}
	if report.MessagesByPriority == nil {
		t.Error("expected MessagesByPriority to be a non-nil empty map")
	}
}

func TestCleanupDropsEventsOlderThanMaxAge(t *testing.T) {
	c := New(time.Minute, 100)
	stale := time.Now().Add(-2 * time.Minute)
	c.events = append(c.events, Event{Kind: EventEnqueue, Priority: queue.Normal, At: stale})
	c.Record(Event{Kind: EventEnqueue, Priority: queue.Normal, At: time.Now()})

	report := c.GetReport()
	if report.TotalMessages != 1 {
		t.Errorf("TotalMessages after cleanup = %d, want 1 (stale event should be dropped)", report.TotalMessages)
	}
}

func TestRecordTriggersCleanupPastMaxCountThreshold(t *testing.T) {
	c := New(time.Hour, 10)
	for i := 0; i < 13; i++ {
		c.Record(Event{Kind: EventEnqueue, Priority: queue.Normal, At: time.Now()})
	}
	if c.Len() > 10 {
		t.Errorf("Len() = %d, want at most maxCount (10) after opportunistic cleanup", c.Len())
	}
}

func TestGetReportComputesThroughputFromCompletesInLastMinute(t *testing.T) {
	c := New(time.Hour, 100)
	now := time.Now()
	c.events = append(c.events,
		Event{Kind: EventComplete, MessageID: "a", Priority: queue.Normal, At: now.Add(-30 * time.Second), TokensUsed: 100},
		Event{Kind: EventComplete, MessageID: "b", Priority: queue.Normal, At: now.Add(-10 * time.Second), TokensUsed: 50},
		Event{Kind: EventComplete, MessageID: "c", Priority: queue.Normal, At: now.Add(-2 * time.Minute), TokensUsed: 999},
	)

	report := c.GetReport()
	if report.ThroughputPerMinute != 2 {
		t.Errorf("ThroughputPerMinute = %v, want 2 (only completes within the last 60s)", report.ThroughputPerMinute)
	}
	if report.TokensPerMinute != 150 {
		t.Errorf("TokensPerMinute = %v, want 150, excluding the stale complete", report.TokensPerMinute)
	}
}
