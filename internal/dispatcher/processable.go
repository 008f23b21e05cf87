package dispatcher

import (
	"context"
	"fmt"
	"time"

	"ratequeue/internal/queue"
)

// ProcessableMessage is the handle Dequeue hands back to a caller (spec
// §4.E, ProcessableMessage): the selected candidate plus the three
// terminal/extension operations it supports. A ProcessableMessage must
// be resolved exactly once via MarkAsProcessed or MarkAsFailed; calling
// either twice, or after the other, returns an error rather than
// corrupting dispatcher state.
type ProcessableMessage struct {
	Message queue.Message
	Score   queue.Score

	dispatcher    *Dispatcher
	receiptHandle string
	resolved      bool
}

// MarkAsProcessed implements spec §4.E's markAsProcessed(): deletes the
// message from storage and records completion metrics. tokensUsed is
// the actual token cost, reported back for the metrics collector's
// throughput aggregate; pass 0 if unknown.
func (p *ProcessableMessage) MarkAsProcessed(ctx context.Context, tokensUsed int) error {
	if p.resolved {
		return fmt.Errorf("message %s already resolved", p.Message.ID)
	}
	if err := p.dispatcher.MarkAsProcessed(ctx, p.receiptHandle, tokensUsed); err != nil {
		return err
	}
	p.resolved = true
	return nil
}

// MarkAsFailed implements spec §4.E's markAsFailed(): the message is
// never deleted from storage, preserving at-least-once delivery. Its
// visibility window is cut to zero so it becomes immediately eligible
// for redelivery instead of waiting out the original timeout.
func (p *ProcessableMessage) MarkAsFailed(ctx context.Context) error {
	if p.resolved {
		return fmt.Errorf("message %s already resolved", p.Message.ID)
	}
	if err := p.dispatcher.MarkAsFailed(ctx, p.receiptHandle); err != nil {
		return err
	}
	p.resolved = true
	return nil
}

// UpdateVisibility implements spec §4.E's updateVisibility(timeout):
// extends or shortens the in-flight window without resolving the
// message, for callers doing long-running work that needs more time
// than the original visibility timeout granted.
func (p *ProcessableMessage) UpdateVisibility(ctx context.Context, timeout time.Duration) error {
	if p.resolved {
		return fmt.Errorf("message %s already resolved", p.Message.ID)
	}
	return p.dispatcher.UpdateVisibility(ctx, p.receiptHandle, timeout)
}
