package server

import "context"

// Stream is the bidirectional channel the capture service is written
// against. The websocket transport implements it in production; tests
// drive the service with channel-backed fakes.
//
// Recv is called from a single reader goroutine and Send from a single
// writer goroutine; implementations do not need to support concurrent
// calls to the same method.
type Stream interface {
	// Recv blocks for the next control message. It returns an error when
	// the client disconnects, which the service treats like a Stop.
	Recv() (*ClientMessage, error)
	// Send writes one outbound message. A failed Send is fatal to the
	// session: an unwritable stream cannot be recovered.
	Send(msg *ServerMessage) error
	// Context is canceled when the underlying transport goes away.
	Context() context.Context
}
