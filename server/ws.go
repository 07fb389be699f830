package server

import (
	"context"

	"github.com/gorilla/websocket"
)

// wsStream adapts a websocket connection to the Stream interface. One
// JSON message per websocket frame, in both directions.
type wsStream struct {
	conn *websocket.Conn
	ctx  context.Context
}

func newWSStream(ctx context.Context, conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn, ctx: ctx}
}

func (s *wsStream) Recv() (*ClientMessage, error) {
	var msg ClientMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *wsStream) Send(msg *ServerMessage) error {
	return s.conn.WriteJSON(msg)
}

func (s *wsStream) Context() context.Context {
	return s.ctx
}
