package proxysession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kioskbridge/tunnel/internal/gatewayclient"
	"github.com/kioskbridge/tunnel/internal/messagepump"
	"github.com/kioskbridge/tunnel/internal/offlinequeue"
	"github.com/kioskbridge/tunnel/internal/routing"
)

type fakeMetrics struct {
	connected  []bool
	reconnects int
}

func (m *fakeMetrics) SetConnected(connected bool) { m.connected = append(m.connected, connected) }
func (m *fakeMetrics) ReportReconnect()             { m.reconnects++ }

// dialingWSServer accepts one connection and hands it to onConn, blocking
// until the handler returns so the test can drive the server side
// directly (reading frames the Runner sends, or writing frames for the
// Runner to read).
func dialingWSServer(t *testing.T, onConn func(ctx context.Context, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		onConn(r.Context(), c)
	}))
}

func dialClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func newTestPump(t *testing.T) *messagepump.Pump {
	t.Helper()
	cfg, err := routing.Parse([]byte(`routes: {}`))
	if err != nil {
		t.Fatalf("routing.Parse: %v", err)
	}
	return messagepump.New(cfg, gatewayclient.New(), offlinequeue.New())
}

func TestRunner_OnConnect_FlushesQueueAndReportsMetrics(t *testing.T) {
	received := make(chan []byte, 1)
	srv := dialingWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		_, frame, err := c.Read(ctx)
		if err != nil {
			return
		}
		received <- frame
	})
	defer srv.Close()

	queue := offlinequeue.New()
	queue.TryEnqueue([]byte(`{"request_id":"r1","status":"ok"}`))

	m := &fakeMetrics{}
	var onConnectedCalls []bool
	runner := &Runner{
		Pump:        newTestPump(t),
		Queue:       queue,
		Metrics:     m,
		OnConnected: func(connected bool) { onConnectedCalls = append(onConnectedCalls, connected) },
	}

	conn := dialClient(t, srv)
	defer conn.CloseNow()

	runner.OnConnect(context.Background(), conn)

	select {
	case frame := <-received:
		var decoded map[string]any
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("unmarshal flushed frame: %v", err)
		}
		if decoded["request_id"] != "r1" {
			t.Fatalf("decoded = %+v, want request_id r1", decoded)
		}
	case <-time.After(time.Second):
		t.Fatal("queued frame was not flushed")
	}

	if queue.Len() != 0 {
		t.Fatalf("Queue.Len() = %d, want 0 after flush", queue.Len())
	}
	if len(m.connected) != 1 || !m.connected[0] {
		t.Fatalf("m.connected = %v, want [true]", m.connected)
	}
	if m.reconnects != 1 {
		t.Fatalf("m.reconnects = %d, want 1", m.reconnects)
	}
	if len(onConnectedCalls) != 1 || !onConnectedCalls[0] {
		t.Fatalf("onConnectedCalls = %v, want [true]", onConnectedCalls)
	}
}

func TestRunner_Session_DispatchesFramesUntilReadFails(t *testing.T) {
	srv := dialingWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		c.Write(ctx, websocket.MessageText, []byte(`{"request_id":"r1","headers":{},"body":{}}`))
		// Closing immediately after drives Session's Read loop to error out.
	})
	defer srv.Close()

	m := &fakeMetrics{}
	var onConnectedCalls []bool
	runner := &Runner{
		Pump:        newTestPump(t),
		Queue:       offlinequeue.New(),
		Metrics:     m,
		OnConnected: func(connected bool) { onConnectedCalls = append(onConnectedCalls, connected) },
	}

	conn := dialClient(t, srv)
	defer conn.CloseNow()

	err := runner.Session(context.Background(), conn)
	if err == nil {
		t.Fatal("Session() returned nil error, want error once the connection dies")
	}

	if len(m.connected) != 1 || m.connected[0] {
		t.Fatalf("m.connected = %v, want [false]", m.connected)
	}
	if len(onConnectedCalls) != 1 || onConnectedCalls[0] {
		t.Fatalf("onConnectedCalls = %v, want [false]", onConnectedCalls)
	}
}
