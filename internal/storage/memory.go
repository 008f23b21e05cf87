package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ratequeue/internal/id"
	"ratequeue/internal/log"
	"ratequeue/internal/queue"
)

// record is the storage-owned state for a single message (spec §3,
// Ownership: "Storage exclusively owns the persisted message records").
type record struct {
	message           queue.Message
	visibilityDeadline time.Time // zero means "not currently in-flight"
	deleted           bool
}

func (r *record) inFlight(now time.Time) bool {
	return !r.deleted && !r.visibilityDeadline.IsZero() && r.visibilityDeadline.After(now)
}

func (r *record) visible(now time.Time) bool {
	return !r.deleted && (r.visibilityDeadline.IsZero() || !r.visibilityDeadline.After(now))
}

// WALSink is the append-only persistence hook the in-memory adapter uses
// for the optional write-ahead-log supplement (SPEC_FULL.md, Storage
// Adapter). Implementations need only be durable enough to replay on
// Memory's next construction; see wal.go for the shipped file-backed
// implementation.
type WALSink interface {
	Append(op Operation) error
	Replay() ([]Operation, error)
}

// Memory is the in-memory reference implementation of Adapter (spec
// §4.A, "In-memory reference behavior"). It maintains a mapping from id
// to record and a mapping from the *current* receipt handle to id,
// exactly as spec.md describes, and opportunistically reaps expired
// in-flight entries on every Dequeue.
type Memory struct {
	mu sync.Mutex

	byID         map[string]*record
	handleToID   map[string]string
	node         *id.Node
	logger       log.Capability
	wal          WALSink
	deadLetter   *deadLetterSink
	maxReceives  int // 0 disables the dead-letter sweep supplement
	stopSweep    chan struct{}
}

// MemoryOption configures optional Memory behavior.
type MemoryOption func(*Memory)

// WithWAL attaches a write-ahead log; enqueue, dequeue, delete and
// visibility updates are appended to it, and the log is replayed
// immediately to rebuild prior state (SPEC_FULL.md WAL supplement).
// Purge and the dead-letter sweep are not logged, so a replay restores
// the messages they removed.
func WithWAL(sink WALSink) MemoryOption {
	return func(m *Memory) { m.wal = sink }
}

// WithMaxReceiveCount enables the dead-letter sweep supplement: once a
// message's receiveCount exceeds max, a background sweep moves it out of
// the visible/in-flight population (SPEC_FULL.md dead-letter supplement).
// It never interacts with markAsFailed; that path still never deletes
// from storage, per spec §4.E.
func WithMaxReceiveCount(max int) MemoryOption {
	return func(m *Memory) { m.maxReceives = max }
}

// WithLogger attaches a logger; defaults to a no-op.
func WithLogger(l log.Capability) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// NewMemory builds an empty in-memory Adapter, replaying any attached WAL.
func NewMemory(nodeID int64, opts ...MemoryOption) (*Memory, error) {
	node, err := id.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	m := &Memory{
		byID:       make(map[string]*record),
		handleToID: make(map[string]string),
		node:       node,
		logger:     log.Nop(),
		deadLetter: newDeadLetterSink(),
		stopSweep:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.wal != nil {
		if err := m.replayWAL(); err != nil {
			return nil, err
		}
	}
	if m.maxReceives > 0 {
		go m.runDeadLetterSweep()
	}
	return m, nil
}

func (m *Memory) replayWAL() error {
	ops, err := m.wal.Replay()
	if err != nil {
		return err
	}
	for _, op := range ops {
		m.applyLocked(op)
	}
	return nil
}

// applyLocked replays a single WAL operation against in-memory state
// without re-appending it to the WAL. Callers must hold m.mu.
func (m *Memory) applyLocked(op Operation) {
	switch op.Kind {
	case OpEnqueue:
		m.byID[op.Message.ID] = &record{message: op.Message}
		m.handleToID[op.Message.Attributes.ReceiptHandle] = op.Message.ID
	case OpDequeue:
		r, ok := m.byID[op.Message.ID]
		if !ok {
			return
		}
		delete(m.handleToID, r.message.Attributes.ReceiptHandle)
		r.message = op.Message
		r.visibilityDeadline = op.VisibilityDeadline
		m.handleToID[op.Message.Attributes.ReceiptHandle] = op.Message.ID
	case OpDelete:
		if r, ok := m.byID[op.Message.ID]; ok {
			delete(m.handleToID, r.message.Attributes.ReceiptHandle)
			r.deleted = true
		}
	case OpUpdateVisibility:
		if r, ok := m.byID[op.Message.ID]; ok {
			r.visibilityDeadline = op.VisibilityDeadline
		}
	}
}

func (m *Memory) append(op Operation) error {
	if m.wal == nil {
		return nil
	}
	return m.wal.Append(op)
}

// Enqueue implements Adapter.
func (m *Memory) Enqueue(_ context.Context, req queue.Request) (queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueLocked(req)
}

func (m *Memory) enqueueLocked(req queue.Request) (queue.Message, error) {
	now := time.Now()
	msg := queue.Message{
		ID:   m.node.GenerateString(),
		Body: req,
		Attributes: queue.Attributes{
			ReceiptHandle: uuid.NewString(),
			EnqueuedAt:    now,
			ReceiveCount:  0,
		},
	}
	msg.Attributes.MessageID = msg.ID
	if msg.Body.CreatedAt.IsZero() {
		msg.Body.CreatedAt = now
	}

	if err := m.append(Operation{Kind: OpEnqueue, Message: msg}); err != nil {
		return queue.Message{}, err
	}
	m.byID[msg.ID] = &record{message: msg}
	m.handleToID[msg.Attributes.ReceiptHandle] = msg.ID
	return msg, nil
}

// BatchEnqueue implements Adapter (spec §4.A, optional batchEnqueue).
func (m *Memory) BatchEnqueue(ctx context.Context, reqs []queue.Request) ([]queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]queue.Message, 0, len(reqs))
	for _, req := range reqs {
		msg, err := m.enqueueLocked(req)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Dequeue implements Adapter, reaping expired in-flight entries
// opportunistically before selecting visible messages (spec §4.A,
// "In-memory reference behavior").
func (m *Memory) Dequeue(_ context.Context, limit int, visibilityTimeout time.Duration) ([]queue.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([]queue.Message, 0, limit)
	for _, r := range m.byID {
		if len(out) >= limit {
			break
		}
		if !r.visible(now) {
			continue
		}

		oldHandle := r.message.Attributes.ReceiptHandle
		newHandle := uuid.NewString()
		r.message.Attributes.ReceiptHandle = newHandle
		r.message.Attributes.ReceiveCount++
		if r.message.Attributes.FirstReceivedAt == nil {
			t := now
			r.message.Attributes.FirstReceivedAt = &t
		}
		r.visibilityDeadline = now.Add(visibilityTimeout)

		if err := m.append(Operation{Kind: OpDequeue, Message: r.message, VisibilityDeadline: r.visibilityDeadline}); err != nil {
			// Roll back so the message remains dequeue-able; surfaced
			// via the dispatcher's total dequeue failure policy (spec §7).
			r.message.Attributes.ReceiptHandle = oldHandle
			r.message.Attributes.ReceiveCount--
			r.visibilityDeadline = time.Time{}
			return nil, err
		}

		if oldHandle != "" {
			delete(m.handleToID, oldHandle)
		}
		m.handleToID[newHandle] = r.message.ID

		out = append(out, r.message)
	}
	return out, nil
}

// DeleteMessage implements Adapter.
func (m *Memory) DeleteMessage(_ context.Context, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgID, ok := m.handleToID[receiptHandle]
	if !ok {
		return ErrNotFound
	}
	r, ok := m.byID[msgID]
	if !ok || r.deleted || r.message.Attributes.ReceiptHandle != receiptHandle {
		return ErrNotFound
	}

	if err := m.append(Operation{Kind: OpDelete, Message: r.message}); err != nil {
		return err
	}
	r.deleted = true
	delete(m.handleToID, receiptHandle)
	delete(m.byID, msgID)
	return nil
}

// BatchDelete implements Adapter (spec §4.A, optional batchDelete).
func (m *Memory) BatchDelete(ctx context.Context, receiptHandles []string) []error {
	errs := make([]error, len(receiptHandles))
	for i, h := range receiptHandles {
		errs[i] = m.DeleteMessage(ctx, h)
	}
	return errs
}

// UpdateVisibilityTimeout implements Adapter.
func (m *Memory) UpdateVisibilityTimeout(_ context.Context, receiptHandle string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgID, ok := m.handleToID[receiptHandle]
	if !ok {
		return ErrNotFound
	}
	r, ok := m.byID[msgID]
	if !ok || r.deleted || r.message.Attributes.ReceiptHandle != receiptHandle {
		return ErrNotFound
	}

	newDeadline := time.Now().Add(timeout)
	if err := m.append(Operation{Kind: OpUpdateVisibility, Message: r.message, VisibilityDeadline: newDeadline}); err != nil {
		return err
	}
	r.visibilityDeadline = newDeadline
	return nil
}

// GetApproximateMessageCount implements Adapter.
func (m *Memory) GetApproximateMessageCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, r := range m.byID {
		if r.visible(now) {
			n++
		}
	}
	return n, nil
}

// PeekMessagesByPriority implements Adapter.
func (m *Memory) PeekMessagesByPriority(_ context.Context, priority queue.Priority, limit int) ([]queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]queue.Message, 0)
	for _, r := range m.byID {
		if limit > 0 && len(out) >= limit {
			break
		}
		if r.visible(now) && r.message.Body.Priority == priority {
			out = append(out, r.message)
		}
	}
	return out, nil
}

// GetQueueAttributes implements Adapter.
func (m *Memory) GetQueueAttributes(_ context.Context) (Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var attrs Attributes
	for _, r := range m.byID {
		switch {
		case r.visible(now):
			attrs.ApproximateVisibleCount++
		case r.inFlight(now):
			attrs.ApproximateInFlightCount++
		}
	}
	return attrs, nil
}

// Purge implements Adapter.
func (m *Memory) Purge(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*record)
	m.handleToID = make(map[string]string)
	return nil
}

// Close stops the background dead-letter sweep, if running.
func (m *Memory) Close() {
	select {
	case <-m.stopSweep:
	default:
		close(m.stopSweep)
	}
}
