// Package capture implements the per-session pipeline between the
// kernel-facing producer and the network-facing consumer: a bounded
// batch buffer, the session state machine, and the per-pid registry.
package capture

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/Herolin12/orbit/tracing"
)

var (
	// ErrNoData is returned by PopReady when the timeout elapses with no
	// sealed batch available.
	ErrNoData = errors.New("capture: no data")
	// ErrBufferClosed is returned by Push after Close, and by PopReady
	// once the buffer is closed and fully drained.
	ErrBufferClosed = errors.New("capture: buffer closed")
)

// BufferConfig sets the batch geometry and backpressure policy.
type BufferConfig struct {
	// MaxBatchEvents and MaxBatchBytes seal the open batch when reached.
	MaxBatchEvents int
	MaxBatchBytes  int
	// BatchTimeout seals a non-empty open batch that has been open this
	// long, so sparse event streams still flush promptly.
	BatchTimeout time.Duration
	// Capacity is the hard cap on sealed-but-unread batches.
	Capacity int
	// PushStall is how long a publish blocks on a full buffer before the
	// oldest unread batch is dropped.
	PushStall time.Duration
}

func (c *BufferConfig) withDefaults() {
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = 4096
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 256 * 1024
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 100 * time.Millisecond
	}
	if c.Capacity <= 0 {
		c.Capacity = 64
	}
	if c.PushStall <= 0 {
		c.PushStall = 50 * time.Millisecond
	}
}

// Batch is a sealed, immutable group of trace events ready for
// transmission.
type Batch struct {
	Events []tracing.TraceEvent

	bytes    int
	openedAt time.Time
}

// Buffer is the bounded FIFO between exactly one producer and one
// consumer. The internal lock protects only batch bookkeeping; sealed
// batches travel through a channel so neither side blocks the other
// while copying data.
type Buffer struct {
	cfg BufferConfig

	mu        sync.Mutex
	open      *Batch
	sealTimer *time.Timer
	closed    bool

	pubMu  sync.Mutex
	sealed chan *Batch
	done   chan struct{}

	accepted  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewBuffer returns a buffer with the given policy.
func NewBuffer(cfg BufferConfig) *Buffer {
	cfg.withDefaults()
	return &Buffer{
		cfg:    cfg,
		sealed: make(chan *Batch, cfg.Capacity),
		done:   make(chan struct{}),
	}
}

// Push appends the event to the open batch, sealing it when a ceiling is
// hit. Push after Close is a producer bug and fails with ErrBufferClosed.
func (b *Buffer) Push(ev tracing.TraceEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBufferClosed
	}
	if b.open == nil {
		b.open = &Batch{openedAt: time.Now()}
		b.sealTimer = time.AfterFunc(b.cfg.BatchTimeout, b.sealOnTimeout)
	}
	b.open.Events = append(b.open.Events, ev)
	b.open.bytes += ev.SizeBytes()
	b.accepted.Inc()

	var full *Batch
	if len(b.open.Events) >= b.cfg.MaxBatchEvents || b.open.bytes >= b.cfg.MaxBatchBytes {
		full = b.detachLocked()
	}
	b.mu.Unlock()

	if full != nil {
		b.publish(full)
	}
	return nil
}

// PopReady returns the next sealed batch, ErrNoData after the timeout,
// or ErrBufferClosed once the buffer is closed and drained.
func (b *Buffer) PopReady(timeout time.Duration) (*Batch, error) {
	// Fast path: data already sealed.
	select {
	case batch := <-b.sealed:
		b.delivered.Add(uint64(len(batch.Events)))
		return batch, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case batch := <-b.sealed:
		b.delivered.Add(uint64(len(batch.Events)))
		return batch, nil
	case <-b.done:
		// Closed, but the final flush may still be queued.
		select {
		case batch := <-b.sealed:
			b.delivered.Add(uint64(len(batch.Events)))
			return batch, nil
		default:
			return nil, ErrBufferClosed
		}
	case <-timer.C:
		return nil, ErrNoData
	}
}

// Close seals and publishes the partially filled open batch, then marks
// the buffer closed. Safe to call more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	final := b.detachLocked()
	b.mu.Unlock()

	if final != nil && len(final.Events) > 0 {
		b.publish(final)
	}
	close(b.done)
	return nil
}

// Dropped returns the number of events lost to the backpressure policy
// and to the shutdown flush deadline.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Pending returns how many accepted events have not yet been delivered
// or dropped.
func (b *Buffer) Pending() uint64 {
	return b.accepted.Load() - b.delivered.Load() - b.dropped.Load()
}

// DropPending counts everything still buffered as dropped. Called by the
// consumer when the shutdown grace period expires before the buffer
// drains.
func (b *Buffer) DropPending() uint64 {
	n := b.Pending()
	b.dropped.Add(n)
	return n
}

// detachLocked seals the open batch and cancels its timer. Caller holds
// b.mu.
func (b *Buffer) detachLocked() *Batch {
	batch := b.open
	b.open = nil
	if b.sealTimer != nil {
		b.sealTimer.Stop()
		b.sealTimer = nil
	}
	return batch
}

func (b *Buffer) sealOnTimeout() {
	b.mu.Lock()
	if b.closed || b.open == nil || len(b.open.Events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.detachLocked()
	b.mu.Unlock()
	b.publish(batch)
}

// publish hands a sealed batch to the consumer. On a full buffer it
// blocks for at most PushStall, then drops the oldest unread batch to
// make room. pubMu serializes publishers (producer, seal timer, Close)
// so the drop accounting stays exact.
func (b *Buffer) publish(batch *Batch) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	select {
	case b.sealed <- batch:
		return
	default:
	}

	timer := time.NewTimer(b.cfg.PushStall)
	defer timer.Stop()
	select {
	case b.sealed <- batch:
		return
	case <-timer.C:
	}

	for {
		select {
		case old := <-b.sealed:
			b.dropped.Add(uint64(len(old.Events)))
		default:
		}
		select {
		case b.sealed <- batch:
			return
		default:
		}
	}
}
