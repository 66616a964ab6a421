package registry

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"Meshpath/internal/endpoint"
	"Meshpath/internal/path"
)

// binding returns a UDP binding on socket 1 of "eth0".
func binding(port uint16) path.Binding[int, string] {
	return path.Binding[int, string]{
		Endpoint:       endpoint.NewIPUDP(netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), port)),
		LocalSocket:    1,
		LocalInterface: "eth0",
	}
}

// newTestRegistry creates a registry on a mock clock with its own metrics registry.
func newTestRegistry(t *testing.T) (*Registry[int, string], *clock.Mock, *prometheus.Registry) {
	t.Helper()

	mock := clock.NewMock()
	reg := prometheus.NewRegistry()

	return New[int, string](Config{Clock: mock, Registerer: reg}), mock, reg
}

// TestCanonicalSingleInstance tests one path per binding.
func TestCanonicalSingleInstance(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	a, created, err := r.Canonical(binding(1))
	if err != nil || !created {
		t.Fatalf("first canonical: created=%v err=%v", created, err)
	}

	b, created, err := r.Canonical(binding(1))
	if err != nil || created {
		t.Fatalf("second canonical: created=%v err=%v", created, err)
	}

	if a != b {
		t.Error("same binding returned different paths")
	}

	c, _, _ := r.Canonical(binding(2))
	if c == a || c.InstanceID() == a.InstanceID() {
		t.Error("different bindings share a path or instance id")
	}

	other := binding(1)
	other.LocalInterface = "wlan0"
	if d, _, _ := r.Canonical(other); d == a {
		t.Error("interface is not part of the path identity")
	}

	if r.Len() != 3 {
		t.Errorf("len: got %d, want 3", r.Len())
	}
}

// TestCanonicalConcurrent tests that racing callers agree on one path.
func TestCanonicalConcurrent(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	results := make([]*path.Path[int, string], 32)

	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()

			p, _, err := r.Canonical(binding(7))
			if err != nil {
				t.Errorf("canonical: %v", err)
			}
			results[i] = p
		}()
	}
	wg.Wait()

	for _, p := range results {
		if p != results[0] {
			t.Fatal("concurrent callers received different paths")
		}
	}
}

// TestTicksFollowClock tests the registry time base.
func TestTicksFollowClock(t *testing.T) {
	r, mock, _ := newTestRegistry(t)

	if r.Ticks() != 0 {
		t.Errorf("initial ticks: got %d", r.Ticks())
	}

	mock.Add(1500 * time.Millisecond)

	if r.Ticks() != 1500 {
		t.Errorf("ticks after 1.5s: got %d, want 1500", r.Ticks())
	}

	p, _, _ := r.Canonical(binding(1))
	if p.CreateTicks() != 1500 {
		t.Errorf("path create ticks: got %d, want 1500", p.CreateTicks())
	}
}

// TestServiceClassifiesAndRemoves tests keepalive and dead handling.
func TestServiceClassifiesAndRemoves(t *testing.T) {
	r, mock, reg := newTestRegistry(t)

	active, _, _ := r.Canonical(binding(1))
	idle, _, _ := r.Canonical(binding(2))

	active.LogReceive(r.Ticks())

	keepalive, dead := r.Service()
	if len(keepalive) != 1 || keepalive[0] != active {
		t.Errorf("keepalive: got %d paths", len(keepalive))
	}
	if len(dead) != 0 {
		t.Errorf("dead before expiration: got %d", len(dead))
	}

	mock.Add(path.ExpirationTime * time.Millisecond)

	_, dead = r.Service()
	if len(dead) != 2 {
		t.Fatalf("dead after expiration: got %d, want 2", len(dead))
	}

	if r.Lookup(binding(1)) != nil || r.Lookup(idle.Binding) != nil {
		t.Error("dead paths still registered")
	}

	fresh, created, _ := r.Canonical(binding(1))
	if !created || fresh == active {
		t.Error("dead path was reused instead of recreated")
	}

	if fresh.CreateTicks() != r.Ticks() {
		t.Errorf("recreated path kept old creation tick %d", fresh.CreateTicks())
	}

	if got := testutil.ToFloat64(r.metrics.dead); got != 2 {
		t.Errorf("dead metric: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.metrics.created); got != 3 {
		t.Errorf("created metric: got %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.metrics.active); got != 1 {
		t.Errorf("active metric: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.metrics.keepalives); got != 1 {
		t.Errorf("keepalive metric: got %v, want 1", got)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n != 4 {
		t.Errorf("gathered metrics: got %d, %v", n, err)
	}
}

// TestRemove tests explicit removal.
func TestRemove(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Canonical(binding(1))

	if !r.Remove(binding(1)) {
		t.Error("remove existing returned false")
	}

	if r.Remove(binding(1)) {
		t.Error("remove missing returned true")
	}
}

// recordingHandler collects Run callbacks.
type recordingHandler struct {
	keepalive chan *path.Path[int, string]
	dead      chan *path.Path[int, string]
}

func (h *recordingHandler) Keepalive(p *path.Path[int, string]) { h.keepalive <- p }
func (h *recordingHandler) Dead(p *path.Path[int, string])      { h.dead <- p }

// TestRunDeliversOutcomes tests the service loop on a mock clock.
func TestRunDeliversOutcomes(t *testing.T) {
	r, mock, _ := newTestRegistry(t)

	p, _, _ := r.Canonical(binding(1))
	p.LogReceive(0)

	h := &recordingHandler{
		keepalive: make(chan *path.Path[int, string], 16),
		dead:      make(chan *path.Path[int, string], 16),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, h) }()

	gotKeepalive := false
	for i := 0; i < 100; i++ {
		mock.Add(r.interval)

		select {
		case <-h.keepalive:
			gotKeepalive = true
		case got := <-h.dead:
			if got != p {
				t.Fatalf("unexpected dead path")
			}
			if !gotKeepalive {
				t.Error("path died without a keepalive request first")
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("run: %v", err)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	t.Fatal("path never reported dead")
}

// TestMuxRoutesByInterface tests that outcomes reach the interface's handler.
func TestMuxRoutesByInterface(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	eth := &recordingHandler{
		keepalive: make(chan *path.Path[int, string], 1),
		dead:      make(chan *path.Path[int, string], 1),
	}

	mux := Mux[int, string]{"eth0": eth}

	p, _, _ := r.Canonical(binding(1))
	mux.Keepalive(p)
	mux.Dead(p)

	if len(eth.keepalive) != 1 || len(eth.dead) != 1 {
		t.Errorf("eth0 handler: keepalive=%d dead=%d, want 1 each", len(eth.keepalive), len(eth.dead))
	}

	other := binding(2)
	other.LocalInterface = "wlan0"
	q, _, _ := r.Canonical(other)

	// no handler for wlan0; must not panic or reach eth0
	mux.Keepalive(q)
	mux.Dead(q)

	if len(eth.keepalive) != 1 || len(eth.dead) != 1 {
		t.Error("wlan0 outcome reached eth0 handler")
	}
}
