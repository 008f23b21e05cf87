// Package storage specifies the abstract contract the dispatcher core
// requires of any persistent queue (spec §4.A) and ships the in-memory
// reference implementation spec §1 says is the only storage backend in
// scope. Concrete non-memory backends (SQS/Redis/Postgres adapters) are
// explicitly out of scope; see SPEC_FULL.md, "Dropped teacher
// dependencies".
package storage

import (
	"context"
	"errors"
	"time"

	"ratequeue/internal/queue"
)

// ErrNotFound is returned when a receipt handle is unknown or stale
// (spec §7, NotFound).
var ErrNotFound = errors.New("storage: receipt handle not found")

// Attributes is the getQueueAttributes() response shape (spec §4.A,
// optional operation).
type Attributes struct {
	ApproximateVisibleCount  int
	ApproximateInFlightCount int
}

// Adapter is the storage contract the dispatcher core consumes (spec
// §4.A). All operations may fail with a storage error; callers wrap the
// returned error with context, never swallow it silently except where
// the dispatcher core's own failure policy says to (spec §7).
type Adapter interface {
	// Enqueue assigns an id, an initial receipt handle, enqueuedAt=now,
	// and receiveCount=0; the message becomes visible immediately.
	Enqueue(ctx context.Context, req queue.Request) (queue.Message, error)

	// BatchEnqueue enqueues several requests; implementations that can't
	// do this atomically fall back to sequential Enqueue calls (spec
	// §4.A, optional batchEnqueue).
	BatchEnqueue(ctx context.Context, reqs []queue.Request) ([]queue.Message, error)

	// Dequeue returns up to limit visible messages, each atomically
	// transitioned to in-flight: new receipt handle, incremented
	// receiveCount, firstReceivedAt set if unset, visible again no
	// earlier than now+visibilityTimeout.
	Dequeue(ctx context.Context, limit int, visibilityTimeout time.Duration) ([]queue.Message, error)

	// DeleteMessage removes the message iff receiptHandle matches its
	// current in-flight handle; ErrNotFound otherwise.
	DeleteMessage(ctx context.Context, receiptHandle string) error

	// BatchDelete deletes several receipt handles; implementations that
	// can't do this atomically fall back to sequential DeleteMessage
	// calls (spec §4.A, optional batchDelete). Per-handle errors are
	// returned aligned by index; a nil entry means that delete
	// succeeded.
	BatchDelete(ctx context.Context, receiptHandles []string) []error

	// UpdateVisibilityTimeout extends or shortens the in-flight window;
	// ErrNotFound if the handle is invalid or already deleted.
	UpdateVisibilityTimeout(ctx context.Context, receiptHandle string, timeout time.Duration) error

	// GetApproximateMessageCount counts currently-visible messages,
	// including in-flight messages whose visibility has expired.
	GetApproximateMessageCount(ctx context.Context) (int, error)

	// PeekMessagesByPriority is a non-consuming read of up to limit
	// visible messages matching priority.
	PeekMessagesByPriority(ctx context.Context, priority queue.Priority, limit int) ([]queue.Message, error)

	// GetQueueAttributes reports visible/in-flight counts (spec §4.A,
	// optional).
	GetQueueAttributes(ctx context.Context) (Attributes, error)

	// Purge removes every message, visible or in-flight (spec §4.A,
	// optional).
	Purge(ctx context.Context) error
}
