// Package path tracks liveness and inbound fragment reassembly for one
// (remote endpoint, local socket, local interface) tuple.
//
// All times are ticks: a monotonic millisecond counter supplied by the
// caller. Nothing here reads a clock or performs I/O.
package path

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"Meshpath/internal/endpoint"
	"Meshpath/internal/logger"
)

const (
	// KeepaliveInterval is the send idle time after which a keepalive is due.
	KeepaliveInterval = 20000

	// ExpirationTime is the receive idle time after which a path is dead.
	ExpirationTime = 2*KeepaliveInterval + 10000

	// ServiceInterval is how often Service should be called.
	ServiceInterval = KeepaliveInterval

	// FragmentExpiration is the lifetime of an incomplete assembly.
	FragmentExpiration = 1500

	// MaxInboundPacketsPerPath bounds in-flight assemblies before eviction.
	MaxInboundPacketsPerPath = 64

	// FragmentCountMax is the largest number of fragments in one packet.
	FragmentCountMax = 8

	// NeverTicks marks an activity that has not happened. Halfway to the
	// minimum so that subtracting it from a tick value cannot overflow.
	NeverTicks = math.MinInt64 / 2
)

// Status is the liveness classification returned by Service.
type Status int

const (
	StatusAlive          Status = iota // StatusAlive needs no action
	StatusNeedsKeepalive               // StatusNeedsKeepalive asks the caller to send a probe
	StatusDead                         // StatusDead asks the caller to drop the path
)

// String returns a lowercase name for logs.
func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusNeedsKeepalive:
		return "needs-keepalive"
	case StatusDead:
		return "dead"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// InstanceCounter hands out path instance ids that are unique across
// goroutines. The owner of a set of paths keeps one.
type InstanceCounter struct {
	next atomic.Uint64 // next is the last id handed out
}

// Next returns a fresh id.
func (c *InstanceCounter) Next() uint64 {
	return c.next.Add(1)
}

// Binding identifies where a path lives. S and I are the transport's opaque
// local socket and local interface types.
type Binding[S, I comparable] struct {
	Endpoint       endpoint.Endpoint // Endpoint is the remote address
	LocalSocket    S                 // LocalSocket is the transport's socket identity
	LocalInterface I                 // LocalInterface is the transport's interface identity
}

// Path is the canonical record for one binding. Safe for concurrent use.
type Path[S, I comparable] struct {
	Binding[S, I]

	instanceID       uint64       // instanceID is unique among paths sharing a counter
	createTicks      int64        // createTicks is fixed at construction
	lastSendTicks    atomic.Int64 // lastSendTicks is the last outbound activity
	lastReceiveTicks atomic.Int64 // lastReceiveTicks is the last inbound activity

	fragmentsMu sync.Mutex     // fragmentsMu guards fragments
	fragments   *fragmentTable // fragments holds in-flight assemblies by packet id
}

// New creates a path. The fragment table hash seed is read from random.
func New[S, I comparable](b Binding[S, I], ids *InstanceCounter, random io.Reader, timeTicks int64) (*Path[S, I], error) {
	var seed [8]byte
	if _, err := io.ReadFull(random, seed[:]); err != nil {
		return nil, fmt.Errorf("read hash seed:\n%w", err)
	}

	p := &Path[S, I]{
		Binding:     b,
		instanceID:  ids.Next(),
		createTicks: timeTicks,
		fragments:   newFragmentTable(binary.LittleEndian.Uint64(seed[:])),
	}

	p.lastSendTicks.Store(NeverTicks)
	p.lastReceiveTicks.Store(NeverTicks)

	return p, nil
}

// InstanceID returns the id assigned at construction.
func (p *Path[S, I]) InstanceID() uint64 { return p.instanceID }

// CreateTicks returns the construction time.
func (p *Path[S, I]) CreateTicks() int64 { return p.createTicks }

// LastSendTicks returns the last logged send, or NeverTicks.
func (p *Path[S, I]) LastSendTicks() int64 { return p.lastSendTicks.Load() }

// LastReceiveTicks returns the last logged receive, or NeverTicks.
func (p *Path[S, I]) LastReceiveTicks() int64 { return p.lastReceiveTicks.Load() }

// LogSend records outbound activity. Call on every successful send.
func (p *Path[S, I]) LogSend(timeTicks int64) {
	p.lastSendTicks.Store(timeTicks)
}

// LogReceive records inbound activity. Call on every successful receive,
// whether or not it completes a packet.
func (p *Path[S, I]) LogReceive(timeTicks int64) {
	p.lastReceiveTicks.Store(timeTicks)
}

// PendingAssemblies returns the number of incomplete packets.
func (p *Path[S, I]) PendingAssemblies() int {
	p.fragmentsMu.Lock()
	defer p.fragmentsMu.Unlock()

	return p.fragments.len()
}

// ReceiveFragment adds a fragment and returns the packet once every fragment
// has arrived, or nil. A completed packet is returned exactly once; a later
// fragment with the same id starts a new assembly.
func (p *Path[S, I]) ReceiveFragment(packetID uint64, fragmentNo, expecting uint8, payload []byte, timeTicks int64) *Assembly {
	p.fragmentsMu.Lock()
	defer p.fragmentsMu.Unlock()

	// Drop the oldest third when over the limit so a flood of bogus ids
	// cannot grow the table without bound.
	if n := p.fragments.len(); n > MaxInboundPacketsPerPath {
		p.fragments.evictOldest(n / 3)
		logger.Debug("fragment table over limit", "endpoint", p.Endpoint, "pending", n, "evicted", n/3)
	}

	a := p.fragments.getOrCreate(packetID, timeTicks)
	if !a.add(fragmentNo, expecting, payload) {
		return nil
	}

	p.fragments.remove(packetID)

	return a
}

// Service expires stale assemblies and classifies the path.
//
// The classification is derived only from the activity ticks. When a
// keepalive is due the last send time is set to timeTicks so that further
// calls within the interval report alive.
func (p *Path[S, I]) Service(timeTicks int64) Status {
	p.fragmentsMu.Lock()
	p.fragments.retain(func(a *Assembly) bool {
		return timeTicks-a.createdTicks < FragmentExpiration
	})
	p.fragmentsMu.Unlock()

	status := p.Classify(timeTicks)
	if status == StatusNeedsKeepalive {
		p.lastSendTicks.Store(timeTicks)
	}

	return status
}

// Classify returns the status Service would report at timeTicks without
// changing any state.
func (p *Path[S, I]) Classify(timeTicks int64) Status {
	if timeTicks-p.lastReceiveTicks.Load() < ExpirationTime {
		if timeTicks-p.lastSendTicks.Load() >= KeepaliveInterval {
			return StatusNeedsKeepalive
		}

		return StatusAlive
	}

	// Grace period for a new path that has not heard back yet.
	if timeTicks-p.createTicks < ExpirationTime {
		return StatusAlive
	}

	return StatusDead
}
