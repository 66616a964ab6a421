// Package registry keeps the canonical Path for every (endpoint, socket,
// interface) tuple and drives their periodic service.
package registry

import (
	"cmp"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"Meshpath/internal/logger"
	"Meshpath/internal/path"
)

// Config holds the dependencies of a Registry. Zero values use defaults.
type Config struct {
	Clock           clock.Clock           // Clock drives ticks and the service loop
	Random          io.Reader             // Random seeds per-path hashers
	Registerer      prometheus.Registerer // Registerer receives metrics, nil to skip
	ServiceInterval time.Duration         // ServiceInterval is the Run loop period
}

// Handler receives service outcomes from Run.
type Handler[S, I comparable] interface {
	// Keepalive is called when a path needs a probe sent.
	Keepalive(p *path.Path[S, I])

	// Dead is called after a path has been removed.
	Dead(p *path.Path[S, I])
}

// Registry owns paths and the instance counter they draw ids from.
type Registry[S, I comparable] struct {
	clock    clock.Clock   // clock is the tick source
	start    time.Time     // start is tick zero
	random   io.Reader     // random seeds new paths
	interval time.Duration // interval is the Run period

	ids path.InstanceCounter // ids assigns path instance ids

	mu    sync.RWMutex                            // mu protects paths
	paths map[path.Binding[S, I]]*path.Path[S, I] // paths maps each binding to its canonical path

	metrics *metrics // metrics tracks path counts
}

// New creates an empty registry.
func New[S, I comparable](cfg Config) *Registry[S, I] {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}

	interval := cfg.ServiceInterval
	if interval <= 0 {
		interval = path.ServiceInterval * time.Millisecond
	}

	return &Registry[S, I]{
		clock:    clk,
		start:    clk.Now(),
		random:   random,
		interval: interval,
		paths:    make(map[path.Binding[S, I]]*path.Path[S, I]),
		metrics:  newMetrics(cfg.Registerer),
	}
}

// Ticks returns milliseconds since the registry was created. Every path
// owned by the registry uses this time base.
func (r *Registry[S, I]) Ticks() int64 {
	return r.clock.Since(r.start).Milliseconds()
}

// Canonical returns the path for b, creating it if needed. The boolean
// reports whether the path was created by this call.
func (r *Registry[S, I]) Canonical(b path.Binding[S, I]) (*path.Path[S, I], bool, error) {
	r.mu.RLock()
	p, ok := r.paths[b]
	r.mu.RUnlock()

	if ok {
		return p, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.paths[b]; ok {
		return p, false, nil
	}

	p, err := path.New(b, &r.ids, r.random, r.Ticks())
	if err != nil {
		return nil, false, fmt.Errorf("create path %s:\n%w", b.Endpoint, err)
	}

	r.paths[b] = p
	r.metrics.created.Inc()
	r.metrics.active.Set(float64(len(r.paths)))

	logger.Debug("path created", "endpoint", b.Endpoint, "instance", p.InstanceID())

	return p, true, nil
}

// Lookup returns the path for b, or nil.
func (r *Registry[S, I]) Lookup(b path.Binding[S, I]) *path.Path[S, I] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.paths[b]
}

// Remove drops the path for b and reports whether it existed.
func (r *Registry[S, I]) Remove(b path.Binding[S, I]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.paths[b]; !ok {
		return false
	}

	delete(r.paths, b)
	r.metrics.active.Set(float64(len(r.paths)))

	return true
}

// Len returns the number of tracked paths.
func (r *Registry[S, I]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.paths)
}

// Paths returns every path ordered by instance id.
func (r *Registry[S, I]) Paths() []*path.Path[S, I] {
	r.mu.RLock()
	out := make([]*path.Path[S, I], 0, len(r.paths))
	for _, p := range r.paths {
		out = append(out, p)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *path.Path[S, I]) int {
		return cmp.Compare(a.InstanceID(), b.InstanceID())
	})

	return out
}

// Service runs path service on every path at the current tick, removes the
// dead ones and returns both outcome lists.
func (r *Registry[S, I]) Service() (keepalive, dead []*path.Path[S, I]) {
	now := r.Ticks()

	for _, p := range r.Paths() {
		switch p.Service(now) {
		case path.StatusNeedsKeepalive:
			keepalive = append(keepalive, p)
		case path.StatusDead:
			dead = append(dead, p)
		}
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for _, p := range dead {
			// A replacement may have been created since the snapshot.
			if r.paths[p.Binding] == p {
				delete(r.paths, p.Binding)
			}
		}
		r.metrics.active.Set(float64(len(r.paths)))
		r.mu.Unlock()
	}

	r.metrics.keepalives.Add(float64(len(keepalive)))
	r.metrics.dead.Add(float64(len(dead)))

	return keepalive, dead
}

// Run services paths every interval until ctx is done.
func (r *Registry[S, I]) Run(ctx context.Context, h Handler[S, I]) error {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			keepalive, dead := r.Service()

			for _, p := range keepalive {
				h.Keepalive(p)
			}

			for _, p := range dead {
				logger.Debug("path expired", "endpoint", p.Endpoint, "instance", p.InstanceID())
				h.Dead(p)
			}
		}
	}
}
