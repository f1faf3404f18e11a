// Package registry defines the persistent kiosk metadata abstraction
// (spec §3, §4.2) and provides an in-memory reference implementation.
// The core tunnelling engine only depends on the Registry interface;
// a durable store (database, key-value service) can be substituted
// without touching ConnectionManager or RequestRouter.
package registry

import (
	"context"
	"sync"
	"time"
)

// Status is a kiosk's connectivity state as tracked by the Registry.
type Status string

const (
	StatusOnline  Status = "online"
	StatusStale   Status = "stale"
	StatusOffline Status = "offline"
)

// ConnectionEventKind distinguishes entries in a kiosk's connection history.
type ConnectionEventKind string

const (
	EventConnected    ConnectionEventKind = "connected"
	EventDisconnected ConnectionEventKind = "disconnected"
)

// ConnectionEvent is one entry in a kiosk's bounded connection history.
type ConnectionEvent struct {
	Kind ConnectionEventKind
	At   time.Time
}

// maxHistory bounds AppendConnectionEvent's retained history per kiosk (spec §4.2).
const maxHistory = 100

// Kiosk is the persisted record for one kiosk (spec §3).
type Kiosk struct {
	ID               string
	DisplayName      string
	Enabled          bool
	StoredCredential []byte
	Status           Status
	ConnectedAt      time.Time // zero unless Status == StatusOnline
}

// Registry is the persistent kiosk metadata store the core depends on.
// All operations may fail transiently (network/store errors); the core
// does not treat an error as "not found": the router answers a lookup
// error with processing_error, and HandleHandshake returns it to its caller.
type Registry interface {
	Exists(ctx context.Context, id string) (bool, error)
	IsEnabled(ctx context.Context, id string) (bool, error)
	StoredCredential(ctx context.Context, id string) ([]byte, error) // ErrNotFound if missing

	MarkOnline(ctx context.Context, id string, at time.Time) error
	MarkOffline(ctx context.Context, id string) error
	MarkStale(ctx context.Context, id string) error

	AppendConnectionEvent(ctx context.Context, id string, kind ConnectionEventKind, at time.Time) error

	IncRequests(ctx context.Context) error
	IncErrors(ctx context.Context) error
	AddLatencySample(ctx context.Context, seconds float64) error

	// Get returns the full record, for introspection endpoints.
	Get(ctx context.Context, id string) (Kiosk, error)
	// List returns all kiosk records, for introspection endpoints.
	List(ctx context.Context) ([]Kiosk, error)
	// History returns the bounded connection history for id, newest first.
	History(ctx context.Context, id string) ([]ConnectionEvent, error)
	// Stats returns aggregate counters, for introspection endpoints.
	Stats(ctx context.Context) (Stats, error)

	// Create and Delete back the administrative surface (spec §1: out of
	// core scope, but the interface needs them so the memory reference
	// implementation and any future durable store share one contract).
	Create(ctx context.Context, k Kiosk) error
	Delete(ctx context.Context, id string) error
}

// Stats holds the process-wide counters the Registry tracks (spec §4.2).
type Stats struct {
	TotalRequests int64
	TotalErrors   int64
	LatencyCount  int64
	LatencySumSec float64
}

var errNotFound = registryError("registry: kiosk not found")

// ErrNotFound is returned by StoredCredential and Get when the kiosk is unknown.
var ErrNotFound error = errNotFound

type registryError string

func (e registryError) Error() string { return string(e) }

// MemoryRegistry is a goroutine-safe, in-process Registry implementation.
// It is the default wired into the Server binary; it satisfies every
// invariant the core requires (monotonic counters, bounded history)
// without needing an external store.
type MemoryRegistry struct {
	mu      sync.RWMutex
	kiosks  map[string]*Kiosk
	history map[string][]ConnectionEvent

	reqs    int64
	errs    int64
	latN    int64
	latSum  float64
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		kiosks:  make(map[string]*Kiosk),
		history: make(map[string][]ConnectionEvent),
	}
}

func (m *MemoryRegistry) Create(_ context.Context, k Kiosk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := k
	if cp.Status == "" {
		cp.Status = StatusOffline
	}
	m.kiosks[k.ID] = &cp
	return nil
}

func (m *MemoryRegistry) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kiosks, id)
	delete(m.history, id)
	return nil
}

func (m *MemoryRegistry) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.kiosks[id]
	return ok, nil
}

func (m *MemoryRegistry) IsEnabled(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kiosks[id]
	if !ok {
		return false, nil
	}
	return k.Enabled, nil
}

func (m *MemoryRegistry) StoredCredential(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kiosks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), k.StoredCredential...), nil
}

func (m *MemoryRegistry) MarkOnline(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kiosks[id]
	if !ok {
		return ErrNotFound
	}
	k.Status = StatusOnline
	k.ConnectedAt = at
	return nil
}

func (m *MemoryRegistry) MarkOffline(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kiosks[id]
	if !ok {
		return ErrNotFound
	}
	k.Status = StatusOffline
	k.ConnectedAt = time.Time{}
	return nil
}

func (m *MemoryRegistry) MarkStale(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kiosks[id]
	if !ok {
		return ErrNotFound
	}
	k.Status = StatusStale
	k.ConnectedAt = time.Time{}
	return nil
}

func (m *MemoryRegistry) AppendConnectionEvent(_ context.Context, id string, kind ConnectionEventKind, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[id], ConnectionEvent{Kind: kind, At: at})
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	m.history[id] = h
	return nil
}

func (m *MemoryRegistry) IncRequests(_ context.Context) error {
	m.mu.Lock()
	m.reqs++
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) IncErrors(_ context.Context) error {
	m.mu.Lock()
	m.errs++
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) AddLatencySample(_ context.Context, seconds float64) error {
	m.mu.Lock()
	m.latN++
	m.latSum += seconds
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (Kiosk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kiosks[id]
	if !ok {
		return Kiosk{}, ErrNotFound
	}
	return *k, nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]Kiosk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Kiosk, 0, len(m.kiosks))
	for _, k := range m.kiosks {
		out = append(out, *k)
	}
	return out, nil
}

func (m *MemoryRegistry) History(_ context.Context, id string) ([]ConnectionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[id]
	out := make([]ConnectionEvent, len(h))
	for i := range h {
		out[len(h)-1-i] = h[i] // newest first
	}
	return out, nil
}

func (m *MemoryRegistry) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		TotalRequests: m.reqs,
		TotalErrors:   m.errs,
		LatencyCount:  m.latN,
		LatencySumSec: m.latSum,
	}, nil
}
