package storage

import (
	"context"
	"testing"
	"time"

	"ratequeue/internal/queue"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory(1)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return m
}

func TestEnqueueAssignsEnvelope(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	msg, err := m.Enqueue(ctx, queue.Request{Priority: queue.Normal})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected a non-empty assigned id")
	}
	if msg.Attributes.ReceiptHandle == "" {
		t.Error("expected a non-empty initial receipt handle")
	}
	if msg.Attributes.ReceiveCount != 0 {
		t.Errorf("ReceiveCount = %d, want 0", msg.Attributes.ReceiveCount)
	}
}

func TestDequeueRotatesReceiptHandleAndIncrementsReceiveCount(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	enqueued, _ := m.Enqueue(ctx, queue.Request{Priority: queue.Normal})

	dequeued, err := m.Dequeue(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(dequeued) != 1 {
		t.Fatalf("got %d messages, want 1", len(dequeued))
	}
	got := dequeued[0]
	if got.Attributes.ReceiptHandle == enqueued.Attributes.ReceiptHandle {
		t.Error("expected a new receipt handle after dequeue")
	}
	if got.Attributes.ReceiveCount != 1 {
		t.Errorf("ReceiveCount = %d, want 1", got.Attributes.ReceiveCount)
	}
	if got.Attributes.FirstReceivedAt == nil {
		t.Error("expected FirstReceivedAt to be set")
	}
}

func TestDequeueExcludesInFlightMessages(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	m.Enqueue(ctx, queue.Request{Priority: queue.Normal})
	first, _ := m.Dequeue(ctx, 10, time.Minute)
	if len(first) != 1 {
		t.Fatalf("got %d on first dequeue, want 1", len(first))
	}
	second, _ := m.Dequeue(ctx, 10, time.Minute)
	if len(second) != 0 {
		t.Fatalf("expected in-flight message to be excluded, got %d", len(second))
	}
}

func TestDequeueRedeliversAfterVisibilityExpires(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	m.Enqueue(ctx, queue.Request{Priority: queue.Normal})
	m.Dequeue(ctx, 10, -time.Second) // already-expired visibility window

	redelivered, err := m.Dequeue(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(redelivered) != 1 {
		t.Fatalf("expected message to be redeliverable once visibility expired, got %d", len(redelivered))
	}
	if redelivered[0].Attributes.ReceiveCount != 2 {
		t.Errorf("ReceiveCount = %d, want 2 after redelivery", redelivered[0].Attributes.ReceiveCount)
	}
}

func TestDeleteMessageRejectsStaleHandle(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	m.Enqueue(ctx, queue.Request{Priority: queue.Normal})
	dequeued, _ := m.Dequeue(ctx, 10, time.Minute)
	handle := dequeued[0].Attributes.ReceiptHandle

	if err := m.DeleteMessage(ctx, handle); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := m.DeleteMessage(ctx, handle); err != ErrNotFound {
		t.Errorf("second delete with the same handle: got %v, want ErrNotFound", err)
	}
}

func TestUpdateVisibilityTimeoutRejectsUnknownHandle(t *testing.T) {
	m := newTestMemory(t)
	if err := m.UpdateVisibilityTimeout(context.Background(), "nonexistent", time.Minute); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestGetApproximateMessageCountCountsOnlyVisible(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	m.Enqueue(ctx, queue.Request{Priority: queue.Normal})
	m.Enqueue(ctx, queue.Request{Priority: queue.Normal})
	m.Dequeue(ctx, 1, time.Minute)

	count, err := m.GetApproximateMessageCount(ctx)
	if err != nil {
		t.Fatalf("GetApproximateMessageCount: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (one visible, one in-flight)", count)
	}
}

func TestPurgeRemovesEverything(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	m.Enqueue(ctx, queue.Request{Priority: queue.Normal})

	if err := m.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	count, _ := m.GetApproximateMessageCount(ctx)
	if count != 0 {
		t.Errorf("count after purge = %d, want 0", count)
	}
}

func TestPeekMessagesByPriorityFiltersByPriority(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	m.Enqueue(ctx, queue.Request{Priority: queue.Urgent})
	m.Enqueue(ctx, queue.Request{Priority: queue.Low})

	urgent, err := m.PeekMessagesByPriority(ctx, queue.Urgent, 0)
	if err != nil {
		t.Fatalf("PeekMessagesByPriority: %v", err)
	}
	if len(urgent) != 1 || urgent[0].Body.Priority != queue.Urgent {
		t.Fatalf("expected exactly one urgent message, got %+v", urgent)
	}
}
