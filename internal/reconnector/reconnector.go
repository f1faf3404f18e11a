// Package reconnector implements the Proxy Reconnector (spec §4.8): a
// Disconnected → Connecting → Connected state machine with exponential
// backoff, grounded on the original's run() main loop and
// connect_to_server (client/src/ws_client/proxy.py) for the backoff
// sequence, and on the teacher's keepAlive (internal/proxy/handler.go)
// for the ping/pong-timeout shape.
package reconnector

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2

	dialTimeout = 15 * time.Second
	pingInterval = 20 * time.Second
	pongTimeout  = 10 * time.Second
)

// Session is invoked once per successful connection; it owns the
// connection for its lifetime and should return when the socket dies
// (read error, ping failure, or ctx cancellation). Its return value is
// passed through as the session's error, only for logging.
type Session func(ctx context.Context, conn *websocket.Conn) error

// OnConnect is called once the socket and handshake succeed, before the
// session runs, so the caller can flush any buffered offline messages
// (spec §4.8: "immediately flush OfflineQueue" on Connected).
type OnConnect func(ctx context.Context, conn *websocket.Conn)

// Run drives the Disconnected→Connecting→Connected loop until ctx is
// cancelled (spec §4.8: "termination happens only on external stop
// signal"). wsURL and token are combined as "<wsURL>?token=<token>",
// matching the original's full_url construction.
func Run(ctx context.Context, wsURL, token string, onConnect OnConnect, session Session) {
	backoff := initialBackoff

	for ctx.Err() == nil {
		conn, err := dial(ctx, wsURL, token)
		if err != nil {
			slog.Error("connection failed, retrying", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		slog.Info("connected to cloud server")
		backoff = initialBackoff

		sessionCtx, cancel := context.WithCancel(ctx)
		stopPing := startKeepalive(sessionCtx, conn, cancel)

		onConnect(sessionCtx, conn)
		err = session(sessionCtx, conn)

		stopPing()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return
		}
		slog.Warn("connection lost, reconnecting", "error", err, "backoff", backoff)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func dial(ctx context.Context, wsURL, token string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	full := wsURL + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.Dial(dialCtx, full, nil)
	return conn, err
}

// startKeepalive pings every pingInterval; a failed ping cancels the
// session context, same as the teacher's keepAlive. The returned func
// stops the keepalive goroutine.
func startKeepalive(ctx context.Context, conn *websocket.Conn, onFail context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, pongTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					slog.Warn("keepalive ping failed, closing connection", "error", err)
					onFail()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * backoffFactor
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// sleep waits for d or ctx cancellation, returning false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
