package storage

import (
	"sync"
	"time"

	"ratequeue/internal/queue"
)

// deadLetterSink holds messages the sweep has pulled out of circulation
// because they exceeded the configured max receive count
// (SPEC_FULL.md, Storage Adapter, "Supplement — optional dead-letter
// sweep"). It is disabled unless Memory is built WithMaxReceiveCount,
// and it never interacts with the dispatcher's markAsFailed path — that
// path never deletes from storage, per spec §4.E.
type deadLetterSink struct {
	mu   sync.Mutex
	dead []queue.Message
}

func newDeadLetterSink() *deadLetterSink {
	return &deadLetterSink{}
}

func (d *deadLetterSink) add(msg queue.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dead = append(d.dead, msg)
}

// Drain returns and clears every dead-lettered message collected so far.
func (d *deadLetterSink) Drain() []queue.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.dead
	d.dead = nil
	return out
}

const deadLetterSweepInterval = 5 * time.Second

// runDeadLetterSweep periodically removes records whose receiveCount has
// exceeded maxReceives from the live population, parking them in
// deadLetter for an operator (or a future requeue tool) to inspect. It
// runs for the lifetime of the Memory adapter and stops on Close.
func (m *Memory) runDeadLetterSweep() {
	ticker := time.NewTicker(deadLetterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepDeadLetters()
		}
	}
}

func (m *Memory) sweepDeadLetters() {
	m.mu.Lock()
	var swept []queue.Message
	for msgID, r := range m.byID {
		if r.deleted {
			continue
		}
		if r.message.Attributes.ReceiveCount <= m.maxReceives {
			continue
		}
		delete(m.handleToID, r.message.Attributes.ReceiptHandle)
		delete(m.byID, msgID)
		swept = append(swept, r.message)
	}
	m.mu.Unlock()

	for _, msg := range swept {
		m.deadLetter.add(msg)
	}
	if len(swept) > 0 {
		m.logger.Warnw("swept messages to dead-letter sink", "count", len(swept))
	}
}

// DeadLetters returns every swept message collected so far and clears
// the dead-letter sink.
func (m *Memory) DeadLetters() []queue.Message {
	return m.deadLetter.Drain()
}
