package tracing

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ErrAlreadyRunning is returned by Start when the producer has already
// been started without an intervening Stop.
var ErrAlreadyRunning = errors.New("tracing: producer already running")

// AttachError reports a failure to attach to the kernel tracing
// facilities: target gone, missing privileges, or BPF load failure.
type AttachError struct {
	Cause error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("failed to attach to kernel tracing: %v", e.Cause)
}

func (e *AttachError) Unwrap() error { return e.Cause }

// Config tunes a producer's read loop.
type Config struct {
	// ProcRoot is the proc filesystem root used for target liveness
	// checks. Defaults to /proc.
	ProcRoot string
	// PollInterval bounds each kernel read so the stop flag and target
	// liveness are checked at least this often.
	PollInterval time.Duration
	// ClockSyncInterval is how often a clock marker event is emitted.
	ClockSyncInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.ProcRoot == "" {
		c.ProcRoot = "/proc"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ClockSyncInterval <= 0 {
		c.ClockSyncInterval = time.Second
	}
}

// openResult is what the platform attach hands back to the producer.
type openResult struct {
	reader  PerfReader
	stacks  stackResolver
	cleanup func()
}

type openFunc func(pid uint32, opts Options) (openResult, error)

// Producer attaches to kernel tracing for one target pid and pushes the
// resulting events into a sink until stopped. A producer is single-use:
// one Start, one Stop, then discard.
type Producer struct {
	cfg  Config
	open openFunc

	mu       sync.Mutex
	running  bool
	reader   PerfReader
	stacks   stackResolver
	cleanup  func()
	stopFlag atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
	lost     atomic.Uint64
}

// NewProducer returns a producer using the platform tracing backend.
func NewProducer(cfg Config) *Producer {
	cfg.withDefaults()
	return &Producer{cfg: cfg, open: openTracing}
}

// Start attaches to the kernel and launches the read loop. The done
// callback fires only when the producer terminates on its own: with a
// nil error when the target process exited, with the fault otherwise.
// It is never invoked because of Stop.
func (p *Producer) Start(pid uint32, opts Options, sink Sink, done func(err error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}
	if !p.alive(pid) {
		return &AttachError{Cause: fmt.Errorf("process %d does not exist", pid)}
	}

	res, err := p.open(pid, opts)
	if err != nil {
		return &AttachError{Cause: err}
	}

	p.reader = res.reader
	p.cleanup = res.cleanup
	p.stacks = res.stacks
	if opts.StackUnwinding && p.stacks != nil {
		p.stacks = newCachedResolver(p.stacks)
	}

	p.running = true
	p.stopFlag.Store(false)
	p.wg.Add(1)
	go p.readLoop(pid, opts, sink, done)

	log.WithField("pid", pid).Info("tracing producer started")
	return nil
}

// Stop requests shutdown and waits for the read loop to finish. No
// events are emitted after Stop returns; whatever already reached the
// sink stays there.
func (p *Producer) Stop() error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil
	}

	p.stopOnce.Do(func() {
		p.stopFlag.Store(true)
		p.reader.Close()
		p.wg.Wait()
		if p.cleanup != nil {
			p.cleanup()
		}
	})
	return nil
}

// LostSamples returns how many samples the kernel dropped because its
// own buffer overflowed.
func (p *Producer) LostSamples() uint64 {
	return p.lost.Load()
}

func (p *Producer) alive(pid uint32) bool {
	_, err := os.Stat(fmt.Sprintf("%s/%d", p.cfg.ProcRoot, pid))
	return err == nil
}

func (p *Producer) readLoop(pid uint32, opts Options, sink Sink, done func(error)) {
	defer p.wg.Done()
	logger := log.WithField("pid", pid)

	var nextSync time.Time // zero: emit a marker on the first iteration
	for !p.stopFlag.Load() {
		if now := time.Now(); !now.Before(nextSync) {
			if err := sink.Push(clockSyncEvent()); err != nil {
				logger.Warnf("buffer rejected clock marker: %v", err)
				return
			}
			nextSync = now.Add(p.cfg.ClockSyncInterval)
		}

		p.reader.SetDeadline(time.Now().Add(p.cfg.PollInterval))
		rec, err := p.reader.Read()
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if !p.alive(pid) {
					logger.Info("target process exited")
					p.stopFlag.Store(true)
					done(nil)
					return
				}
				continue
			}
			logger.Errorf("kernel read failed: %v", err)
			p.stopFlag.Store(true)
			done(fmt.Errorf("kernel read failed: %w", err))
			return
		}

		if rec.LostSamples > 0 {
			p.lost.Add(rec.LostSamples)
			logger.Debugf("kernel dropped %d samples", rec.LostSamples)
			continue
		}

		events, err := decodeRecord(rec.RawSample, p.stacks, opts)
		if err != nil {
			logger.Warnf("failed to decode event: %v", err)
			continue
		}
		for i := range events {
			if err := sink.Push(events[i]); err != nil {
				logger.Warnf("buffer rejected event: %v", err)
				return
			}
		}
	}
}

func clockSyncEvent() TraceEvent {
	return TraceEvent{
		Kind:        KindClockSync,
		TimestampNs: monotonicNs(),
		WallClockNs: uint64(time.Now().UnixNano()),
	}
}
