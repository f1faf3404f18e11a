// Package proxysession wires the Reconnector's connect/session
// callbacks to the MessagePump and OfflineQueue: inbound tunnel frames
// handled one at a time on the session goroutine, a shared Sender backed
// by the live WebSocket
// connection, and an OfflineQueue flush on every successful (re)connect
// (spec §4.8, §4.9). Grounded on the original's run() main loop gluing
// connect_to_server, handle_message, and _flush_queue together
// (client/src/ws_client/proxy.py).
package proxysession

import (
	"context"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/kioskbridge/tunnel/internal/messagepump"
	"github.com/kioskbridge/tunnel/internal/offlinequeue"
)

// connSender adapts a live *websocket.Conn to messagepump.Sender and
// offlinequeue.Sender, both of which share the same Send(frame) shape.
// Every successful write counts as one sent message, whether it
// originates from a fresh Pump reply or an OfflineQueue flush — both
// paths fold into the original's single messages_sent counter.
type connSender struct {
	ctx   context.Context
	conn  *websocket.Conn
	stats Stats
}

func (s connSender) Send(frame []byte) error {
	if err := s.conn.Write(s.ctx, websocket.MessageText, frame); err != nil {
		return err
	}
	if s.stats != nil {
		s.stats.IncMessagesSent()
	}
	return nil
}

// Metrics is the subset of metrics.ProxyMetrics the session reports to.
type Metrics interface {
	SetConnected(connected bool)
	ReportReconnect()
}

// Stats is the subset of proxystats.Counters the session reports to.
type Stats interface {
	IncMessagesSent()
	IncReconnections()
}

// Runner owns the pieces a connected session needs for its lifetime.
type Runner struct {
	Pump    *messagepump.Pump
	Queue   *offlinequeue.Queue
	Metrics Metrics
	// Stats is optional; set it to feed the Proxy's hourly statistics
	// summary.
	Stats Stats
	// OnConnected is called after a successful handshake and queue
	// flush, e.g. to flip a health handler's connected flag.
	OnConnected func(connected bool)
}

// OnConnect flushes any replies buffered while disconnected, matching
// spec §4.8's "on Connected, immediately flush OfflineQueue".
func (r *Runner) OnConnect(ctx context.Context, conn *websocket.Conn) {
	sender := connSender{ctx: ctx, conn: conn, stats: r.Stats}
	r.Queue.Flush(sender)
	if r.Metrics != nil {
		r.Metrics.SetConnected(true)
		r.Metrics.ReportReconnect()
	}
	if r.Stats != nil {
		r.Stats.IncReconnections()
	}
	if r.OnConnected != nil {
		r.OnConnected(true)
	}
}

// Session reads tunnel frames until the connection dies, dispatching
// each to the Pump. It returns when Read fails (socket closed, network
// error, or ctx cancellation), letting the Reconnector retry.
func (r *Runner) Session(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		if r.Metrics != nil {
			r.Metrics.SetConnected(false)
		}
		if r.OnConnected != nil {
			r.OnConnected(false)
		}
	}()

	sender := connSender{ctx: ctx, conn: conn, stats: r.Stats}
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			slog.Warn("tunnel read failed, will reconnect", "error", err)
			return err
		}
		r.Pump.Handle(ctx, frame, sender)
	}
}
