package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegistry_CreateExistsDelete(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	if ok, _ := r.Exists(ctx, "k1"); ok {
		t.Fatal("expected k1 not to exist before Create")
	}

	if err := r.Create(ctx, Kiosk{ID: "k1", Enabled: true, StoredCredential: []byte("cred")}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if ok, _ := r.Exists(ctx, "k1"); !ok {
		t.Fatal("expected k1 to exist after Create")
	}

	if err := r.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := r.Exists(ctx, "k1"); ok {
		t.Fatal("expected k1 not to exist after Delete")
	}
}

func TestMemoryRegistry_StoredCredentialMissing(t *testing.T) {
	r := NewMemoryRegistry()
	if _, err := r.StoredCredential(context.Background(), "ghost"); err != ErrNotFound {
		t.Fatalf("StoredCredential() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryRegistry_MarkOnlineOfflineStale(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	r.Create(ctx, Kiosk{ID: "k1", Enabled: true})

	now := time.Now()
	if err := r.MarkOnline(ctx, "k1", now); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	k, _ := r.Get(ctx, "k1")
	if k.Status != StatusOnline || !k.ConnectedAt.Equal(now) {
		t.Fatalf("got status=%v connectedAt=%v, want online/%v", k.Status, k.ConnectedAt, now)
	}

	if err := r.MarkStale(ctx, "k1"); err != nil {
		t.Fatalf("MarkStale() error = %v", err)
	}
	k, _ = r.Get(ctx, "k1")
	if k.Status != StatusStale {
		t.Fatalf("got status=%v, want stale", k.Status)
	}

	if err := r.MarkOffline(ctx, "k1"); err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	k, _ = r.Get(ctx, "k1")
	if k.Status != StatusOffline || !k.ConnectedAt.IsZero() {
		t.Fatalf("got status=%v connectedAt=%v, want offline/zero", k.Status, k.ConnectedAt)
	}
}

func TestMemoryRegistry_HistoryBoundedAndOrdered(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	r.Create(ctx, Kiosk{ID: "k1", Enabled: true})

	base := time.Now()
	for i := 0; i < 150; i++ {
		kind := EventConnected
		if i%2 == 1 {
			kind = EventDisconnected
		}
		r.AppendConnectionEvent(ctx, "k1", kind, base.Add(time.Duration(i)*time.Second))
	}

	hist, err := r.History(ctx, "k1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != maxHistory {
		t.Fatalf("History() len = %d, want %d", len(hist), maxHistory)
	}
	// newest first: last appended event was index 149 (odd -> disconnected)
	if hist[0].Kind != EventDisconnected {
		t.Fatalf("History()[0].Kind = %v, want disconnected (newest first)", hist[0].Kind)
	}
}

func TestMemoryRegistry_CountersMonotonic(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	var done = make(chan struct{})
	const n = 50
	for i := 0; i < n; i++ {
		go func() {
			r.IncRequests(ctx)
			r.IncErrors(ctx)
			r.AddLatencySample(ctx, 0.1)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalRequests != n || stats.TotalErrors != n || stats.LatencyCount != n {
		t.Fatalf("Stats() = %+v, want all counters == %d", stats, n)
	}
}
