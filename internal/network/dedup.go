package network

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is the default time-to-live for seen envelope hashes.
	defaultDedupTTL = 30 * time.Second

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 5 * time.Second
)

// Dedup tracks recently seen envelopes so gossip loops terminate.
// Entries are keyed by blake3 of the raw bytes and expire after a TTL.
type Dedup struct {
	clock clock.Clock        // clock is the time source
	seen  map[[32]byte]int64 // seen maps envelope hash to first-seen time (unix nano)
	mu    sync.RWMutex       // mu protects the seen map
	ttl   int64              // ttl in nanoseconds
	stop  chan struct{}      // stop signals the cleanup goroutine to stop
	wg    sync.WaitGroup     // wg waits for the cleanup goroutine
}

// NewDedup creates a tracker. A nil clock uses the wall clock; ttl <= 0
// uses the default.
func NewDedup(clk clock.Clock, ttl time.Duration) *Dedup {
	if clk == nil {
		clk = clock.New()
	}

	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		clock: clk,
		seen:  make(map[[32]byte]int64),
		ttl:   int64(ttl),
		stop:  make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check returns true if data has not been seen within the TTL and records it.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.clock.Now().UnixNano()

	d.mu.RLock()
	ts, exists := d.seen[hash]
	d.mu.RUnlock()

	if exists && now-ts < d.ttl {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// another goroutine may have recorded it between the locks
	ts, exists = d.seen[hash]
	if exists && now-ts < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of tracked hashes, expired ones included until
// the next cleanup.
func (d *Dedup) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := d.clock.Ticker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries from the seen map.
func (d *Dedup) cleanup() {
	now := d.clock.Now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
