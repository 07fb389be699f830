// Package tracing attaches to kernel tracing facilities for one target
// process and turns the raw perf records into typed trace events.
package tracing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Kind discriminates the trace event variants.
type Kind uint8

const (
	KindSched Kind = iota + 1
	KindCounterSample
	KindStackSample
	KindClockSync
)

func (k Kind) String() string {
	switch k {
	case KindSched:
		return "sched"
	case KindCounterSample:
		return "counter_sample"
	case KindStackSample:
		return "stack_sample"
	case KindClockSync:
		return "clock_sync"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TraceEvent is one event emitted by a producer. Events are immutable
// once produced and timestamp-non-decreasing within one producer.
// Only the fields belonging to the Kind are populated.
type TraceEvent struct {
	Kind        Kind   `json:"kind"`
	TimestampNs uint64 `json:"timestamp_ns"`
	CPU         uint32 `json:"cpu"`
	TID         uint32 `json:"tid"`

	// KindSched
	PrevTID   uint32 `json:"prev_tid,omitempty"`
	NextTID   uint32 `json:"next_tid,omitempty"`
	PrevState uint64 `json:"prev_state,omitempty"`

	// KindCounterSample
	Value uint64 `json:"value,omitempty"`

	// KindStackSample
	Frames []uint64 `json:"frames,omitempty"`

	// KindClockSync: wall clock paired with the monotonic timestamp.
	WallClockNs uint64 `json:"wall_clock_ns,omitempty"`
}

// SizeBytes approximates the serialized size of the event for the batch
// byte ceiling.
func (e *TraceEvent) SizeBytes() int {
	return 48 + 8*len(e.Frames)
}

// Options are the recognized capture options for one session.
type Options struct {
	SamplingPeriod   time.Duration
	StackUnwinding   bool
	SchedulingEvents bool
}

// DefaultSamplingPeriod is used when a start request leaves the period
// unset.
const DefaultSamplingPeriod = time.Millisecond

// Validate normalizes and checks the options.
func (o *Options) Validate() error {
	if o.SamplingPeriod == 0 {
		o.SamplingPeriod = DefaultSamplingPeriod
	}
	if o.SamplingPeriod < 100*time.Microsecond || o.SamplingPeriod > time.Second {
		return fmt.Errorf("sampling period %v out of range [100µs, 1s]", o.SamplingPeriod)
	}
	return nil
}

// Sink receives events from a producer. Implemented by capture.Buffer.
type Sink interface {
	Push(ev TraceEvent) error
}

// Raw event layouts, mirroring struct event_header / struct sched_event /
// struct sample_event in bpf/tracer.c. All fields are little-endian.
const (
	rawKindSched  = 1
	rawKindSample = 2
)

type rawHeader struct {
	Kind        uint32
	CPU         uint32
	TID         uint32
	_           uint32
	TimestampNs uint64
}

type rawSchedEvent struct {
	rawHeader
	PrevTID   uint32
	NextTID   uint32
	PrevState uint64
}

type rawSampleEvent struct {
	rawHeader
	Value   uint64
	StackID int32
	_       int32
}

// stackResolver maps a kernel stack id to its program-counter frames.
type stackResolver interface {
	FramesFor(stackID int32) ([]uint64, error)
}

// decodeRecord parses one raw perf sample into trace events. A counter
// sample with a valid stack id yields an additional stack-sample event
// with the same timestamp when unwinding is enabled.
func decodeRecord(sample []byte, stacks stackResolver, opts Options) ([]TraceEvent, error) {
	var header rawHeader
	if err := binary.Read(bytes.NewReader(sample), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to parse event header: %w", err)
	}

	switch header.Kind {
	case rawKindSched:
		var raw rawSchedEvent
		if err := binary.Read(bytes.NewReader(sample), binary.LittleEndian, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse sched event: %w", err)
		}
		return []TraceEvent{{
			Kind:        KindSched,
			TimestampNs: raw.TimestampNs,
			CPU:         raw.CPU,
			TID:         raw.TID,
			PrevTID:     raw.PrevTID,
			NextTID:     raw.NextTID,
			PrevState:   raw.PrevState,
		}}, nil

	case rawKindSample:
		var raw rawSampleEvent
		if err := binary.Read(bytes.NewReader(sample), binary.LittleEndian, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse sample event: %w", err)
		}
		events := []TraceEvent{{
			Kind:        KindCounterSample,
			TimestampNs: raw.TimestampNs,
			CPU:         raw.CPU,
			TID:         raw.TID,
			Value:       raw.Value,
		}}
		if opts.StackUnwinding && raw.StackID >= 0 && stacks != nil {
			frames, err := stacks.FramesFor(raw.StackID)
			if err == nil && len(frames) > 0 {
				events = append(events, TraceEvent{
					Kind:        KindStackSample,
					TimestampNs: raw.TimestampNs,
					CPU:         raw.CPU,
					TID:         raw.TID,
					Frames:      frames,
				})
			}
		}
		return events, nil

	default:
		return nil, fmt.Errorf("unknown raw event kind %d", header.Kind)
	}
}
