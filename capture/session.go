package capture

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/Herolin12/orbit/process"
	"github.com/Herolin12/orbit/tracing"
)

// ErrUnknownProcess is returned by Start when the target pid is not in
// the process table.
var ErrUnknownProcess = errors.New("capture: target pid not found in process table")

// ErrConflict is returned by Start when another session is already
// capturing the same pid.
var ErrConflict = errors.New("capture: pid is already being captured")

// State of a capture session.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EndReason tells the client why a capture terminated.
type EndReason int32

const (
	ReasonClientStop EndReason = iota + 1
	ReasonProcessExited
	ReasonError
)

func (r EndReason) String() string {
	switch r {
	case ReasonClientStop:
		return "client_stop"
	case ReasonProcessExited:
		return "process_exited"
	case ReasonError:
		return "error"
	default:
		return fmt.Sprintf("reason(%d)", int32(r))
	}
}

// Producer is the kernel-facing side of a session. Implemented by
// tracing.Producer; tests substitute fakes.
type Producer interface {
	Start(pid uint32, opts tracing.Options, sink tracing.Sink, done func(err error)) error
	Stop() error
	LostSamples() uint64
}

// ProcessLookup validates capture targets. Implemented by process.Table.
type ProcessLookup interface {
	Lookup(pid uint32) (process.Record, bool)
}

// Session is the state machine for one client capture request. It owns
// exactly one producer and one buffer for its lifetime. All state
// transitions happen under s.mu; the state itself is atomic so readers
// never block a transition.
type Session struct {
	pid      uint32
	opts     tracing.Options
	producer Producer
	buffer   *Buffer
	table    ProcessLookup
	registry *Registry
	log      *log.Entry

	state atomic.Int32

	mu        sync.Mutex
	endReason EndReason
	endErr    error

	// stopping is closed on the first transition out of Running, so the
	// consumer can react to producer-initiated termination.
	stopping chan struct{}
}

// NewSession wires a session. It stays Idle until Start.
func NewSession(pid uint32, opts tracing.Options, producer Producer, buffer *Buffer, table ProcessLookup, registry *Registry) *Session {
	return &Session{
		pid:      pid,
		opts:     opts,
		producer: producer,
		buffer:   buffer,
		table:    table,
		registry: registry,
		log:      log.WithField("pid", pid),
		stopping: make(chan struct{}),
	}
}

// PID returns the capture target.
func (s *Session) PID() uint32 { return s.pid }

// Buffer returns the session's capture buffer for the consumer to drain.
func (s *Session) Buffer() *Buffer { return s.buffer }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stopping is closed once the session leaves Running (or fails to
// start), whether by client request, target exit, or producer fault.
func (s *Session) Stopping() <-chan struct{} { return s.stopping }

// EndState reports why the session ended. Valid once Stopping is closed.
func (s *Session) EndState() (EndReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason, s.endErr
}

// DroppedEvents is the total surfaced in status messages: policy drops
// at the buffer plus samples the kernel lost before we could read them.
func (s *Session) DroppedEvents() uint64 {
	return s.buffer.Dropped() + s.producer.LostSamples()
}

// Start validates the request and attaches the producer.
// Validation failures (unknown pid, bad options, pid conflict) leave the
// session Idle and recoverable; an attach failure is terminal (Failed).
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != StateIdle {
		return fmt.Errorf("capture: session already started")
	}

	if _, ok := s.table.Lookup(s.pid); !ok {
		return ErrUnknownProcess
	}
	if err := s.opts.Validate(); err != nil {
		return err
	}

	s.state.Store(int32(StateStarting))

	if err := s.registry.acquire(s.pid, s); err != nil {
		s.state.Store(int32(StateIdle))
		return err
	}

	if err := s.producer.Start(s.pid, s.opts, s.buffer, s.onProducerDone); err != nil {
		s.registry.release(s.pid, s)
		s.endReason = ReasonError
		s.endErr = err
		s.state.Store(int32(StateFailed))
		close(s.stopping)
		s.log.Errorf("capture failed to start: %v", err)
		return err
	}

	s.state.Store(int32(StateRunning))
	s.log.WithField("sampling_period", s.opts.SamplingPeriod).Info("capture running")
	return nil
}

// onProducerDone runs on the producer thread when it terminates on its
// own: nil means the target exited, anything else is a producer fault.
func (s *Session) onProducerDone(err error) {
	if err == nil {
		s.beginStop(ReasonProcessExited, nil)
		return
	}
	s.beginStop(ReasonError, err)
}

// Stop is the client-initiated (or disconnect-initiated) transition.
// Idempotent: stopping an already-stopping session has no effect.
func (s *Session) Stop() {
	s.beginStop(ReasonClientStop, nil)
}

// Abort ends the session with an Error reason, used for transport
// failures and server shutdown.
func (s *Session) Abort(cause error) {
	s.beginStop(ReasonError, cause)
}

func (s *Session) beginStop(reason EndReason, cause error) {
	s.mu.Lock()
	st := State(s.state.Load())
	if st != StateRunning && st != StateStarting {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateStopping))
	s.endReason = reason
	s.endErr = cause
	close(s.stopping)
	s.mu.Unlock()

	s.log.WithField("reason", reason.String()).Info("capture stopping")
}

// Shutdown stops the producer and closes the buffer so the consumer can
// flush. Called from the consumer thread, never from the producer's done
// callback. Safe to call in any terminal or stopping state.
func (s *Session) Shutdown() error {
	return multierr.Append(s.producer.Stop(), s.buffer.Close())
}

// Finish marks the session terminal and releases the pid registration.
// The session object is discarded afterwards.
func (s *Session) Finish() {
	s.mu.Lock()
	if st := State(s.state.Load()); st == StateStopping {
		s.state.Store(int32(StateStopped))
	}
	s.mu.Unlock()

	s.registry.release(s.pid, s)
	s.log.Info("capture finished")
}
