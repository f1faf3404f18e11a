package connmanager

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/coder/websocket"
)

// WSSocket adapts *websocket.Conn to the Socket interface, tracking
// liveness so HandleHandshake can tell a dead duplicate from a live one
// (spec §4.3 step 3) without attempting a write probe.
type WSSocket struct {
	conn  *websocket.Conn
	alive atomic.Bool
}

// NewWSSocket wraps conn, marked alive until MarkDead is called.
func NewWSSocket(conn *websocket.Conn) *WSSocket {
	s := &WSSocket{conn: conn}
	s.alive.Store(true)
	return s
}

func (s *WSSocket) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	return s.conn.Write(ctx, typ, data)
}

func (s *WSSocket) Close(code websocket.StatusCode, reason string) error {
	s.alive.Store(false)
	return s.conn.Close(code, reason)
}

func (s *WSSocket) Alive() bool {
	return s.alive.Load()
}

// MarkDead flips Alive() to false without closing the underlying
// connection. ReceiveLoop calls this the moment a read fails, so a
// concurrent handshake for the same kiosk ID sees the connection as
// stale even before Disconnect has removed it from the table.
func (s *WSSocket) MarkDead() {
	s.alive.Store(false)
}

// Reader delegates to the underlying connection, for ReceiveLoop.
func (s *WSSocket) Reader(ctx context.Context) (websocket.MessageType, io.Reader, error) {
	return s.conn.Reader(ctx)
}
