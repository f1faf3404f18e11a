package connmanager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kioskbridge/tunnel/internal/auth"
	"github.com/kioskbridge/tunnel/internal/correlation"
	"github.com/kioskbridge/tunnel/internal/registry"
	"github.com/kioskbridge/tunnel/internal/wire"
)

type fakeSocket struct {
	mu        sync.Mutex
	alive     bool
	closed    bool
	closeCode websocket.StatusCode
	writes    [][]byte
	writeErr  error
}

func newFakeSocket() *fakeSocket { return &fakeSocket{alive: true} }

func (f *fakeSocket) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeSocket) Close(code websocket.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.alive = false
	return nil
}

func (f *fakeSocket) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func setup(t *testing.T, allowDup bool) (*Manager, *registry.MemoryRegistry) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	if err := reg.Create(context.Background(), registry.Kiosk{
		ID: "k1", Enabled: true, StoredCredential: []byte("k1.goodsig"),
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	verifier := fakeVerifier{kioskID: "k1"}
	return New(reg, verifier, correlation.New(), allowDup), reg
}

type fakeVerifier struct{ kioskID string }

func (v fakeVerifier) Verify(credential string) (string, error) {
	if credential == "bad-cred" {
		return "", auth.ErrInvalidCredential
	}
	return v.kioskID, nil
}

func TestHandshake_AcceptsFirstConnection(t *testing.T) {
	m, reg := setup(t, false)
	sock := newFakeSocket()

	handle, reason, err := m.HandleHandshake(context.Background(), sock, "k1.goodsig")
	if err != nil || reason != "" {
		t.Fatalf("HandleHandshake() reason=%q err=%v, want accepted", reason, err)
	}
	if !m.IsConnected("k1") {
		t.Fatal("expected k1 to be connected")
	}

	k, _ := reg.Get(context.Background(), "k1")
	if k.Status != registry.StatusOnline {
		t.Fatalf("registry status = %v, want online", k.Status)
	}
	_ = handle
}

func TestHandshake_RejectsInvalidCredential(t *testing.T) {
	m, _ := setup(t, false)
	_, reason, err := m.HandleHandshake(context.Background(), newFakeSocket(), "bad-cred")
	if err != nil || reason != RejectInvalidCredential {
		t.Fatalf("reason=%q err=%v, want RejectInvalidCredential", reason, err)
	}
}

func TestHandshake_RejectsCredentialMismatch(t *testing.T) {
	m, _ := setup(t, false)
	// verifier always maps to k1 regardless of credential string, so use a
	// credential that doesn't match the stored one.
	_, reason, err := m.HandleHandshake(context.Background(), newFakeSocket(), "k1.wrongsig")
	if err != nil || reason != RejectCredentialMismatch {
		t.Fatalf("reason=%q err=%v, want RejectCredentialMismatch", reason, err)
	}
}

func TestHandshake_RejectsUnknownKiosk(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	m := New(reg, fakeVerifier{kioskID: "ghost"}, correlation.New(), false)
	_, reason, err := m.HandleHandshake(context.Background(), newFakeSocket(), "ghost.sig")
	if err != nil || reason != RejectKioskNotFound {
		t.Fatalf("reason=%q err=%v, want RejectKioskNotFound", reason, err)
	}
}

func TestHandshake_RejectsDisabledKiosk(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	reg.Create(context.Background(), registry.Kiosk{ID: "k1", Enabled: false, StoredCredential: []byte("k1.goodsig")})
	m := New(reg, fakeVerifier{kioskID: "k1"}, correlation.New(), false)
	_, reason, err := m.HandleHandshake(context.Background(), newFakeSocket(), "k1.goodsig")
	if err != nil || reason != RejectKioskDisabled {
		t.Fatalf("reason=%q err=%v, want RejectKioskDisabled", reason, err)
	}
}

func TestHandshake_NoDuplicate_RejectsWhileOldAlive(t *testing.T) {
	m, _ := setup(t, false)
	first := newFakeSocket()
	if _, reason, err := m.HandleHandshake(context.Background(), first, "k1.goodsig"); err != nil || reason != "" {
		t.Fatalf("first handshake reason=%q err=%v", reason, err)
	}

	second := newFakeSocket()
	_, reason, err := m.HandleHandshake(context.Background(), second, "k1.goodsig")
	if err != nil || reason != RejectAlreadyConnected {
		t.Fatalf("second handshake reason=%q err=%v, want RejectAlreadyConnected", reason, err)
	}
	if second.closed {
		t.Fatal("rejected socket should be closed by the caller, not HandleHandshake")
	}
}

func TestHandshake_NoDuplicate_ReplacesDeadConnection(t *testing.T) {
	m, _ := setup(t, false)
	first := newFakeSocket()
	m.HandleHandshake(context.Background(), first, "k1.goodsig")
	first.alive = false // simulate ReceiveLoop having observed a dead read

	second := newFakeSocket()
	_, reason, err := m.HandleHandshake(context.Background(), second, "k1.goodsig")
	if err != nil || reason != "" {
		t.Fatalf("replace-dead handshake reason=%q err=%v, want accepted", reason, err)
	}
}

func TestHandshake_AllowDuplicate_ReplacesLiveConnection(t *testing.T) {
	m, _ := setup(t, true)
	first := newFakeSocket()
	m.HandleHandshake(context.Background(), first, "k1.goodsig")

	second := newFakeSocket()
	handle, reason, err := m.HandleHandshake(context.Background(), second, "k1.goodsig")
	if err != nil || reason != "" {
		t.Fatalf("allow-dup handshake reason=%q err=%v, want accepted", reason, err)
	}
	if !first.closed || first.closeCode != websocket.StatusNormalClosure {
		t.Fatalf("expected old socket closed with normal closure, closed=%v code=%v", first.closed, first.closeCode)
	}
	_ = handle
}

func TestDisconnect_StaleHandleIsNoop(t *testing.T) {
	m, reg := setup(t, true)
	first := newFakeSocket()
	staleHandle, _, _ := m.HandleHandshake(context.Background(), first, "k1.goodsig")

	second := newFakeSocket()
	m.HandleHandshake(context.Background(), second, "k1.goodsig")

	// The displaced connection's own ReceiveLoop calls Disconnect with its
	// stale handle; it must not evict the new connection (invariant I1).
	m.Disconnect(context.Background(), staleHandle)
	if !m.IsConnected("k1") {
		t.Fatal("stale Disconnect must not remove the current connection")
	}
	k, _ := reg.Get(context.Background(), "k1")
	if k.Status != registry.StatusOnline {
		t.Fatalf("registry status = %v, want still online after stale disconnect", k.Status)
	}
}

func TestDisconnect_CurrentHandleRemoves(t *testing.T) {
	m, reg := setup(t, false)
	sock := newFakeSocket()
	handle, _, _ := m.HandleHandshake(context.Background(), sock, "k1.goodsig")

	m.Disconnect(context.Background(), handle)
	if m.IsConnected("k1") {
		t.Fatal("expected k1 disconnected")
	}
	k, _ := reg.Get(context.Background(), "k1")
	if k.Status != registry.StatusOffline {
		t.Fatalf("registry status = %v, want offline", k.Status)
	}
}

func TestSendAndWait_NotConnectedReturnsFalse(t *testing.T) {
	m, _ := setup(t, false)
	resp, ok := m.SendAndWait(context.Background(), "k1", wire.Request{}, 50*time.Millisecond)
	if ok || resp != nil {
		t.Fatalf("SendAndWait() = (%v, %v), want (nil, false)", resp, ok)
	}
}

func TestSendAndWait_DeliversCompletion(t *testing.T) {
	m, _ := setup(t, false)
	sock := newFakeSocket()
	m.HandleHandshake(context.Background(), sock, "k1.goodsig")

	var gotID string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			sock.mu.Lock()
			n := len(sock.writes)
			sock.mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		// Pull request_id back out of the marshalled payload to simulate
		// the kiosk echoing it back in its reply.
		sock.mu.Lock()
		payload := sock.writes[0]
		sock.mu.Unlock()
		var req wire.Request
		json.Unmarshal(payload, &req)
		gotID = req.RequestID
		m.CompleteResponse(gotID, wire.Response{"status": "ok", "request_id": gotID})
	}()

	resp, ok := m.SendAndWait(context.Background(), "k1", wire.Request{}, time.Second)
	<-done
	if !ok {
		t.Fatal("SendAndWait() ok = false, want true")
	}
	if resp["request_id"] != gotID {
		t.Fatalf("resp request_id = %v, want %v", resp["request_id"], gotID)
	}
}

func TestSendAndWait_TimesOut(t *testing.T) {
	m, _ := setup(t, false)
	sock := newFakeSocket()
	m.HandleHandshake(context.Background(), sock, "k1.goodsig")

	resp, ok := m.SendAndWait(context.Background(), "k1", wire.Request{}, 20*time.Millisecond)
	if ok || resp != nil {
		t.Fatalf("SendAndWait() = (%v, %v), want (nil, false) on timeout", resp, ok)
	}
}

func TestSendAndWait_WriteFailure(t *testing.T) {
	m, _ := setup(t, false)
	sock := newFakeSocket()
	sock.writeErr = context.DeadlineExceeded
	m.HandleHandshake(context.Background(), sock, "k1.goodsig")

	resp, ok := m.SendAndWait(context.Background(), "k1", wire.Request{}, 100*time.Millisecond)
	if ok || resp != nil {
		t.Fatalf("SendAndWait() = (%v, %v), want (nil, false) on write failure", resp, ok)
	}
}
