package messagepump

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kioskbridge/tunnel/internal/gatewayclient"
	"github.com/kioskbridge/tunnel/internal/offlinequeue"
	"github.com/kioskbridge/tunnel/internal/routing"
)

type capturingSender struct {
	sent [][]byte
	err  error
}

func (s *capturingSender) Send(frame []byte) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, frame)
	return nil
}

func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("failed decoding frame: %v, raw=%s", err, frame)
	}
	return m
}

func newPump(t *testing.T, routesYAML string) (*Pump, *httptest.Server, *bool) {
	t.Helper()
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	t.Cleanup(srv.Close)

	cfg, err := routing.Parse([]byte(routesYAML))
	if err != nil {
		t.Fatalf("routing.Parse() error = %v", err)
	}
	return New(cfg, gatewayclient.New(), offlinequeue.New()), srv, &called
}

func TestHandle_InvalidJSON(t *testing.T) {
	p, _, _ := newPump(t, `routes: {}`)
	sender := &capturingSender{}
	p.Handle(context.Background(), []byte("not json"), sender)

	resp := decodeFrame(t, sender.sent[0])
	if resp["error"] != "invalid_json" {
		t.Fatalf("resp = %+v, want invalid_json", resp)
	}
}

func TestHandle_MissingOperationTypeHeader(t *testing.T) {
	p, _, _ := newPump(t, `routes: {}`)
	sender := &capturingSender{}
	p.Handle(context.Background(), []byte(`{"request_id":"r1","headers":{},"body":{}}`), sender)

	resp := decodeFrame(t, sender.sent[0])
	if resp["error"] != "missing_header" || resp["request_id"] != "r1" {
		t.Fatalf("resp = %+v, want missing_header with request_id r1", resp)
	}
}

func TestHandle_RouteNotFound(t *testing.T) {
	p, _, _ := newPump(t, `routes: {}`)
	sender := &capturingSender{}
	frame := []byte(`{"request_id":"r1","headers":{"header-operation-type":"charge"},"body":{}}`)
	p.Handle(context.Background(), frame, sender)

	resp := decodeFrame(t, sender.sent[0])
	if resp["error"] != "route_not_found" {
		t.Fatalf("resp = %+v, want route_not_found", resp)
	}
}

func TestHandle_DispatchesAndMergesRequestID(t *testing.T) {
	p, srv, called := newPump(t, `
routes:
  charge:
    url: `+srv.URL+`
    timeout: 5
`)
	sender := &capturingSender{}
	frame := []byte(`{"request_id":"r1","headers":{"header-operation-type":"charge"},"body":{"amount":5}}`)
	p.Handle(context.Background(), frame, sender)

	if !*called {
		t.Fatal("expected gateway to be called")
	}
	resp := decodeFrame(t, sender.sent[0])
	if resp["status"] != "ok" || resp["request_id"] != "r1" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandle_QueuesOnSendFailure(t *testing.T) {
	p, srv, _ := newPump(t, `
routes:
  charge:
    url: `+srv.URL+`
    timeout: 5
`)
	sender := &capturingSender{}
	sender.err = context.DeadlineExceeded
	frame := []byte(`{"request_id":"r1","headers":{"header-operation-type":"charge"},"body":{}}`)
	p.Handle(context.Background(), frame, sender)

	if len(sender.sent) != 0 {
		t.Fatalf("sender.sent = %v, want empty (send failed)", sender.sent)
	}
	if p.Queue.Len() != 1 {
		t.Fatalf("Queue.Len() = %d, want 1", p.Queue.Len())
	}
}
