package server

import (
	"time"

	"github.com/Herolin12/orbit/tracing"
)

// Inbound message types.
const (
	MsgStart = "start"
	MsgStop  = "stop"
)

// Outbound message types.
const (
	MsgStarted  = "started"
	MsgBatch    = "batch"
	MsgStatus   = "status"
	MsgEnded    = "ended"
	MsgRejected = "rejected"
)

// ClientMessage is a control message read from the stream. Exactly one
// payload field matches Type.
type ClientMessage struct {
	Type  string        `json:"type"`
	Start *StartRequest `json:"start,omitempty"`
}

// StartRequest names a capture target and its options.
type StartRequest struct {
	PID     uint32         `json:"pid"`
	Options CaptureOptions `json:"options"`
}

// CaptureOptions is the wire form of the recognized capture options.
type CaptureOptions struct {
	SamplingPeriodUs uint32 `json:"sampling_period_us,omitempty"`
	StackUnwinding   bool   `json:"stack_unwinding,omitempty"`
	SchedulingEvents bool   `json:"scheduling_events,omitempty"`
}

func (o CaptureOptions) toTracing() tracing.Options {
	return tracing.Options{
		SamplingPeriod:   time.Duration(o.SamplingPeriodUs) * time.Microsecond,
		StackUnwinding:   o.StackUnwinding,
		SchedulingEvents: o.SchedulingEvents,
	}
}

// ServerMessage is one ordered outbound message. Exactly one payload
// field matches Type; "started" carries none.
type ServerMessage struct {
	Type     string           `json:"type"`
	Batch    *BatchPayload    `json:"batch,omitempty"`
	Status   *StatusPayload   `json:"status,omitempty"`
	Ended    *EndedPayload    `json:"ended,omitempty"`
	Rejected *RejectedPayload `json:"rejected,omitempty"`
}

// BatchPayload carries trace events in producer order.
type BatchPayload struct {
	Events []tracing.TraceEvent `json:"events"`
}

// StatusPayload is sent periodically even when no trace data is ready,
// so clients can detect a stalled session by message timeout.
type StatusPayload struct {
	DroppedEventCount uint64 `json:"dropped_event_count"`
	ProducerHealthy   bool   `json:"producer_healthy"`
}

// EndedPayload is the terminal message of a capture.
type EndedPayload struct {
	Reason      string `json:"reason"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// RejectedPayload reports a validation failure; the stream stays open
// and the client may retry with a corrected request.
type RejectedPayload struct {
	Error string `json:"error"`
}
