package receiveloop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/kioskbridge/tunnel/internal/connmanager"
	"github.com/kioskbridge/tunnel/internal/wire"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	idx    int
	dead   bool
}

func (f *fakeSocket) Reader(ctx context.Context) (websocket.MessageType, io.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.frames) {
		return 0, nil, errors.New("eof")
	}
	frame := f.frames[f.idx]
	f.idx++
	return websocket.MessageText, bytes.NewReader(frame), nil
}

func (f *fakeSocket) MarkDead() {
	f.mu.Lock()
	f.dead = true
	f.mu.Unlock()
}

type fakeManager struct {
	mu         sync.Mutex
	completed  map[string]wire.Response
	unknown    []string
	disconnect int
}

func newFakeManager() *fakeManager {
	return &fakeManager{completed: make(map[string]wire.Response)}
}

func (m *fakeManager) CompleteResponse(requestID string, resp wire.Response) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if requestID == "unknown" {
		m.unknown = append(m.unknown, requestID)
		return false
	}
	m.completed[requestID] = resp
	return true
}

func (m *fakeManager) Disconnect(_ context.Context, _ *connmanager.Handle) {
	m.mu.Lock()
	m.disconnect++
	m.mu.Unlock()
}

func TestRun_DispatchesKnownRequestID(t *testing.T) {
	sock := &fakeSocket{frames: [][]byte{
		[]byte(`{"request_id":"req-1","status":"ok"}`),
	}}
	mgr := newFakeManager()

	Run(context.Background(), sock, "k1", &connmanager.Handle{}, mgr)

	if _, ok := mgr.completed["req-1"]; !ok {
		t.Fatal("expected req-1 to be completed")
	}
	if mgr.disconnect != 1 {
		t.Fatalf("disconnect called %d times, want 1", mgr.disconnect)
	}
	if !sock.dead {
		t.Fatal("expected socket marked dead on loop exit")
	}
}

func TestRun_SkipsFrameWithoutRequestID(t *testing.T) {
	sock := &fakeSocket{frames: [][]byte{
		[]byte(`{"status":"ok"}`),
		[]byte(`{"request_id":"req-2","status":"ok"}`),
	}}
	mgr := newFakeManager()

	Run(context.Background(), sock, "k1", &connmanager.Handle{}, mgr)

	if len(mgr.completed) != 1 {
		t.Fatalf("completed = %v, want exactly req-2", mgr.completed)
	}
}

func TestRun_ContinuesOnInvalidJSON(t *testing.T) {
	sock := &fakeSocket{frames: [][]byte{
		[]byte(`not json`),
		[]byte(`{"request_id":"req-3","status":"ok"}`),
	}}
	mgr := newFakeManager()

	Run(context.Background(), sock, "k1", &connmanager.Handle{}, mgr)

	if _, ok := mgr.completed["req-3"]; !ok {
		t.Fatal("expected req-3 to be completed after preceding invalid JSON frame")
	}
}

func TestRun_AlwaysDisconnectsOnExit(t *testing.T) {
	sock := &fakeSocket{} // zero frames: immediate read error
	mgr := newFakeManager()

	Run(context.Background(), sock, "k1", &connmanager.Handle{}, mgr)

	if mgr.disconnect != 1 {
		t.Fatalf("disconnect called %d times, want 1", mgr.disconnect)
	}
}
