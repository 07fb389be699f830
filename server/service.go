package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Herolin12/orbit/capture"
	"github.com/Herolin12/orbit/config"
)

// History records session lifecycles for the capture history API.
// Implementations swallow their own storage errors: history is never
// allowed to fail a capture.
type History interface {
	SessionStarted(pid uint32, processName, optionsJSON string) int64
	SessionEnded(id int64, reason, errorDetail string, eventsSent, eventsDropped uint64)
}

// Service drives one capture session at a time per open stream: it
// applies inbound control messages to the session state machine and
// concurrently drains the session's buffer onto the stream.
type Service struct {
	table       capture.ProcessLookup
	registry    *capture.Registry
	history     History
	cfg         config.Capture
	newProducer func() capture.Producer
}

// NewService wires the capture endpoint. history may be nil.
func NewService(table capture.ProcessLookup, registry *capture.Registry, history History, cfg config.Capture, newProducer func() capture.Producer) *Service {
	return &Service{
		table:       table,
		registry:    registry,
		history:     history,
		cfg:         cfg,
		newProducer: newProducer,
	}
}

// ServeStream runs the control loop for one client connection until the
// client disconnects, the context is canceled, or a write fails.
// Sessions are sequential per stream: after one ends, a new Start is
// accepted on the same stream.
func (s *Service) ServeStream(stream Stream) error {
	ctx := stream.Context()

	inbound := make(chan *ClientMessage)
	recvFail := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvFail <- err
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-recvFail:
			// Disconnect with no active session.
			return nil
		case msg := <-inbound:
			switch msg.Type {
			case MsgStop:
				// No active session; nothing to stop.
			case MsgStart:
				if msg.Start == nil {
					if err := s.sendRejected(stream, "start message is missing its payload"); err != nil {
						return err
					}
					continue
				}
				alive, err := s.runCapture(ctx, stream, msg.Start, inbound, recvFail)
				if !alive {
					return err
				}
			default:
				if err := s.sendRejected(stream, fmt.Sprintf("unknown message type %q", msg.Type)); err != nil {
					return err
				}
			}
		}
	}
}

// runCapture owns one session from Start to the terminal ended message.
// It returns alive=false when the stream is no longer usable.
func (s *Service) runCapture(ctx context.Context, stream Stream, req *StartRequest, inbound <-chan *ClientMessage, recvFail <-chan error) (alive bool, err error) {
	buffer := capture.NewBuffer(capture.BufferConfig{
		MaxBatchEvents: s.cfg.BatchMaxEvents,
		MaxBatchBytes:  s.cfg.BatchMaxBytes,
		BatchTimeout:   s.cfg.BatchTimeout,
		Capacity:       s.cfg.BufferCapacity,
		PushStall:      s.cfg.PushStall,
	})
	sess := capture.NewSession(req.PID, req.Options.toTracing(), s.newProducer(), buffer, s.table, s.registry)

	if startErr := sess.Start(); startErr != nil {
		if sess.State() == capture.StateFailed {
			// Attach failure: terminal for the session, not the stream.
			ended := &ServerMessage{Type: MsgEnded, Ended: &EndedPayload{
				Reason:      capture.ReasonError.String(),
				ErrorDetail: startErr.Error(),
			}}
			if err := stream.Send(ended); err != nil {
				return false, err
			}
			return true, nil
		}
		// Validation failure: report and keep the stream open for a retry.
		if err := s.sendRejected(stream, startErr.Error()); err != nil {
			return false, err
		}
		return true, nil
	}

	var histID int64
	if s.history != nil {
		name := ""
		if rec, ok := s.table.Lookup(req.PID); ok {
			name = rec.Name
		}
		optsJSON, _ := json.Marshal(req.Options)
		histID = s.history.SessionStarted(req.PID, name, string(optsJSON))
	}

	var sent uint64
	finish := func() {
		sess.Finish()
		if s.history != nil {
			reason, endErr := sess.EndState()
			s.history.SessionEnded(histID, reason.String(), errDetail(endErr), sent, sess.DroppedEvents())
		}
	}
	// teardown handles an unwritable stream: stop everything, discard
	// whatever is buffered, and surface the write error to the caller.
	teardown := func(cause error) (bool, error) {
		sess.Abort(cause)
		if err := sess.Shutdown(); err != nil {
			log.WithField("pid", req.PID).Warnf("session cleanup failed: %v", err)
		}
		buffer.DropPending()
		finish()
		return false, cause
	}

	if err := stream.Send(&ServerMessage{Type: MsgStarted}); err != nil {
		return teardown(err)
	}

	statusTicker := time.NewTicker(s.cfg.StatusEvery)
	defer statusTicker.Stop()

	streamGone := false
	rf := recvFail

running:
	for {
		select {
		case msg := <-inbound:
			switch msg.Type {
			case MsgStop:
				sess.Stop()
			case MsgStart:
				if err := s.sendRejected(stream, "a capture is already running on this stream"); err != nil {
					return teardown(err)
				}
			}
		case <-rf:
			// Transport-level disconnect without an explicit Stop.
			rf = nil
			streamGone = true
			sess.Stop()
		case <-ctx.Done():
			sess.Abort(fmt.Errorf("server shutting down"))
		case <-sess.Stopping():
			break running
		case <-statusTicker.C:
			if err := stream.Send(s.statusMessage(sess)); err != nil {
				return teardown(err)
			}
		default:
		}

		batch, popErr := buffer.PopReady(s.cfg.PopTimeout)
		switch {
		case popErr == nil:
			sent += uint64(len(batch.Events))
			if err := stream.Send(&ServerMessage{Type: MsgBatch, Batch: &BatchPayload{Events: batch.Events}}); err != nil {
				return teardown(err)
			}
		case errors.Is(popErr, capture.ErrNoData):
			// Idle; loop back to pick up control messages and status ticks.
		case errors.Is(popErr, capture.ErrBufferClosed):
			break running
		}
	}

	// Stopping: halt the producer, then flush what the buffer still
	// holds, bounded by the grace period.
	if err := sess.Shutdown(); err != nil {
		log.WithField("pid", req.PID).Warnf("session cleanup failed: %v", err)
	}

	var writeErr error
	deadline := time.Now().Add(s.cfg.FlushGrace)
flush:
	for writeErr == nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if n := buffer.DropPending(); n > 0 {
				log.WithField("pid", req.PID).Warnf("dropped %d unflushed events after grace period", n)
			}
			break flush
		}
		wait := s.cfg.PopTimeout
		if remaining < wait {
			wait = remaining
		}
		batch, popErr := buffer.PopReady(wait)
		switch {
		case popErr == nil:
			sent += uint64(len(batch.Events))
			writeErr = stream.Send(&ServerMessage{Type: MsgBatch, Batch: &BatchPayload{Events: batch.Events}})
		case errors.Is(popErr, capture.ErrBufferClosed):
			break flush
		case errors.Is(popErr, capture.ErrNoData):
			// Buffer not closed yet or final batch still in flight.
		}
	}

	// History is finalized before the terminal message goes out, so a
	// client that has seen "ended" can already find the session in
	// /api/captures. The client always gets that explicit message; never
	// a silent stream closure.
	reason, endErr := sess.EndState()
	finish()

	if writeErr == nil {
		ended := &ServerMessage{Type: MsgEnded, Ended: &EndedPayload{
			Reason:      reason.String(),
			ErrorDetail: errDetail(endErr),
		}}
		writeErr = stream.Send(ended)
	}

	if writeErr != nil && !streamGone {
		return false, writeErr
	}
	if streamGone {
		return false, nil
	}
	return true, nil
}

func (s *Service) statusMessage(sess *capture.Session) *ServerMessage {
	return &ServerMessage{Type: MsgStatus, Status: &StatusPayload{
		DroppedEventCount: sess.DroppedEvents(),
		ProducerHealthy:   sess.State() == capture.StateRunning,
	}}
}

func (s *Service) sendRejected(stream Stream, reason string) error {
	return stream.Send(&ServerMessage{Type: MsgRejected, Rejected: &RejectedPayload{Error: reason}})
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
