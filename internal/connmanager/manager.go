// Package connmanager implements ConnectionManager (spec §4.3): the
// authoritative table of live kiosk sockets, guaranteeing invariants I1
// (at most one socket handle per kiosk at any instant) and I4 (a socket
// removed from the table is never written to again by an in-flight
// SendAndWait). Grounded on the original's WebSocketManager
// (server/src/websocket/server.py) for handshake/duplicate-connection
// semantics, and on the teacher's Proxy struct for the one-mutex-per-
// shared-table locking pattern.
package connmanager

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kioskbridge/tunnel/internal/auth"
	"github.com/kioskbridge/tunnel/internal/correlation"
	"github.com/kioskbridge/tunnel/internal/registry"
	"github.com/kioskbridge/tunnel/internal/wire"
)

// RejectReason explains why HandleHandshake refused a socket.
type RejectReason string

const (
	RejectInvalidCredential RejectReason = "invalid_credential"
	RejectKioskNotFound     RejectReason = "kiosk_not_found"
	RejectKioskDisabled     RejectReason = "kiosk_disabled"
	RejectCredentialMismatch RejectReason = "credential_mismatch"
	RejectAlreadyConnected  RejectReason = "already_connected"
)

// Socket is the minimal surface ConnectionManager needs from a transport
// connection. *websocket.Conn satisfies it directly; tests supply a fake.
type Socket interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
	// Alive reports whether the socket's read side is known to still be
	// open. The original checks client_state != CLOSED before rejecting
	// a duplicate handshake; here the ReceiveLoop flips this to false
	// the moment its read fails.
	Alive() bool
}

type liveConn struct {
	socket Socket
	id     uint64 // identity token, so Disconnect can recognize "my own" entry
}

var connSeq uint64
var connSeqMu sync.Mutex

func nextConnID() uint64 {
	connSeqMu.Lock()
	defer connSeqMu.Unlock()
	connSeq++
	return connSeq
}

// Handle is the opaque token SendAndWait callers and ReceiveLoop use to
// refer to "this particular socket" when calling Disconnect, so a stale
// caller can never evict a newer connection for the same kiosk ID.
type Handle struct {
	kioskID string
	connID  uint64
}

// KioskID returns the kiosk identity this handle was issued for, so
// callers (the WebSocket accept handler, ReceiveLoop) can log and
// route without threading a separate copy of the ID alongside it.
func (h *Handle) KioskID() string { return h.kioskID }

// Manager is the concurrency-safe table of live kiosk sockets.
type Manager struct {
	registry   registry.Registry
	table      *correlation.Table
	allowDup   bool

	verifierMu sync.RWMutex
	verifier   auth.Verifier

	mu     sync.Mutex
	active map[string]*liveConn
}

// New creates a ConnectionManager. allowDuplicate mirrors the original's
// settings.allow_duplicate_connections flag (spec §4.3 step 3).
func New(reg registry.Registry, verifier auth.Verifier, table *correlation.Table, allowDuplicate bool) *Manager {
	return &Manager{
		registry: reg,
		verifier: verifier,
		table:    table,
		allowDup: allowDuplicate,
		active:   make(map[string]*liveConn),
	}
}

// SetVerifier hot-swaps the credential verifier, letting a SIGHUP config
// reload rotate the auth secret without restarting the process.
func (m *Manager) SetVerifier(v auth.Verifier) {
	m.verifierMu.Lock()
	defer m.verifierMu.Unlock()
	m.verifier = v
}

func (m *Manager) currentVerifier() auth.Verifier {
	m.verifierMu.RLock()
	defer m.verifierMu.RUnlock()
	return m.verifier
}

// HandleHandshake runs the full handshake protocol (spec §4.3) for a
// socket that has already completed the transport-level WebSocket
// upgrade but has not yet been registered as live. credential is the
// opaque bearer token presented by the kiosk (wsendpoint takes it from
// the connection's token query parameter).
//
// On acceptance it returns a Handle identifying this connection; the
// caller's ReceiveLoop must pass that Handle to Disconnect on exit.
func (m *Manager) HandleHandshake(ctx context.Context, socket Socket, credential string) (*Handle, RejectReason, error) {
	kioskID, err := m.currentVerifier().Verify(credential)
	if err != nil {
		return nil, RejectInvalidCredential, nil
	}

	exists, err := m.registry.Exists(ctx, kioskID)
	if err != nil {
		return nil, "", err
	}
	if !exists {
		return nil, RejectKioskNotFound, nil
	}
	enabled, err := m.registry.IsEnabled(ctx, kioskID)
	if err != nil {
		return nil, "", err
	}
	if !enabled {
		return nil, RejectKioskDisabled, nil
	}
	stored, err := m.registry.StoredCredential(ctx, kioskID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, RejectKioskNotFound, nil
		}
		return nil, "", err
	}
	if !credentialsEqual(stored, credential) {
		return nil, RejectCredentialMismatch, nil
	}

	handle, old, ok := m.install(kioskID, socket)
	if !ok {
		return nil, RejectAlreadyConnected, nil
	}
	if old != nil {
		// Installed new entry first, now close the displaced socket
		// (spec §4.3 step 3: atomic swap, then graceful close of old).
		// Its own ReceiveLoop will observe the read failure and call
		// Disconnect with its stale Handle, a no-op against the new entry.
		_ = old.socket.Close(websocket.StatusNormalClosure, "Replaced by new connection")
	}

	now := time.Now()
	if err := m.registry.MarkOnline(ctx, kioskID, now); err != nil {
		slog.Warn("registry mark online failed", "kiosk_id", kioskID, "error", err)
	}
	if err := m.registry.AppendConnectionEvent(ctx, kioskID, registry.EventConnected, now); err != nil {
		slog.Warn("registry append connection event failed", "kiosk_id", kioskID, "error", err)
	}
	slog.Info("kiosk connected", "kiosk_id", kioskID, "replaced_old", old != nil)

	return handle, "", nil
}

// install performs the duplicate-handling decision (spec §4.3 step 3)
// under the table lock and returns the new Handle, the displaced
// liveConn (nil if none), and whether installation succeeded.
func (m *Manager) install(kioskID string, socket Socket) (*Handle, *liveConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, hasExisting := m.active[kioskID]
	if hasExisting {
		if m.allowDup {
			// The new entry replaces the old one in a single step under
			// the lock; the caller closes the returned old socket afterwards.
			conn := &liveConn{socket: socket, id: nextConnID()}
			m.active[kioskID] = conn
			return &Handle{kioskID: kioskID, connID: conn.id}, existing, true
		}
		if existing.socket.Alive() {
			return nil, nil, false
		}
		// Stale entry: fall through and replace, same as the no-existing-entry path.
	}

	conn := &liveConn{socket: socket, id: nextConnID()}
	m.active[kioskID] = conn
	return &Handle{kioskID: kioskID, connID: conn.id}, nil, true
}

// IsConnected reports whether kioskID currently has a live socket.
func (m *Manager) IsConnected(kioskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[kioskID]
	return ok
}

// Disconnect removes handle's entry from the table, but only if it is
// still the current entry for its kiosk ID (I1/I4: a displaced or
// already-removed handle's Disconnect is a no-op).
func (m *Manager) Disconnect(ctx context.Context, handle *Handle) {
	m.mu.Lock()
	cur, ok := m.active[handle.kioskID]
	if !ok || cur.id != handle.connID {
		m.mu.Unlock()
		return
	}
	delete(m.active, handle.kioskID)
	m.mu.Unlock()

	if err := m.registry.MarkOffline(ctx, handle.kioskID); err != nil {
		slog.Warn("registry mark offline failed", "kiosk_id", handle.kioskID, "error", err)
	}
	if err := m.registry.AppendConnectionEvent(ctx, handle.kioskID, registry.EventDisconnected, time.Now()); err != nil {
		slog.Warn("registry append connection event failed", "kiosk_id", handle.kioskID, "error", err)
	}
	slog.Info("kiosk disconnected", "kiosk_id", handle.kioskID)
}

// SendAndWait sends env to kioskID over its current socket and blocks
// (bounded by timeout) for the matching reply, following spec §4.3's
// SendAndWait protocol. Returns (nil, false) if the kiosk is not
// connected, the send fails, or the wait times out.
func (m *Manager) SendAndWait(ctx context.Context, kioskID string, env wire.Request, timeout time.Duration) (wire.Response, bool) {
	m.mu.Lock()
	conn, ok := m.active[kioskID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	requestID := newRequestID()
	env.RequestID = requestID

	slot := m.table.Install(requestID)
	defer m.table.Remove(requestID)

	payload, err := marshalRequest(env)
	if err != nil {
		slog.Error("failed to marshal request", "kiosk_id", kioskID, "error", err)
		return nil, false
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.socket.Write(writeCtx, websocket.MessageText, payload); err != nil {
		slog.Error("failed to send to kiosk", "kiosk_id", kioskID, "request_id", requestID, "error", err)
		return nil, false
	}

	select {
	case resp := <-slot.Result():
		return resp, true
	case <-time.After(timeout):
		slog.Error("kiosk response timeout", "kiosk_id", kioskID, "request_id", requestID, "timeout", timeout)
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// CompleteResponse resolves a pending SendAndWait for requestID, called
// by ReceiveLoop when it parses a frame carrying a known request_id.
func (m *Manager) CompleteResponse(requestID string, resp wire.Response) bool {
	return m.table.TryComplete(requestID, resp)
}

func newRequestID() string {
	return uuid.NewString()
}

// credentialsEqual compares the registry's stored credential bytes
// against the presented credential string using HMAC normalization,
// avoiding a length oracle (same technique as auth.HMACVerifier).
func credentialsEqual(stored []byte, presented string) bool {
	key := []byte("kioskbridge-stored-credential-compare")
	h1 := hmac.New(sha256.New, key)
	h1.Write(stored)
	h2 := hmac.New(sha256.New, key)
	h2.Write([]byte(presented))
	return hmac.Equal(h1.Sum(nil), h2.Sum(nil))
}

func marshalRequest(env wire.Request) ([]byte, error) {
	return json.Marshal(env)
}
