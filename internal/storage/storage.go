// Package storage persists known locators and the identities that signed
// them in a Pebble database.
package storage

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"Meshpath/internal/identity"
	"Meshpath/internal/locator"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// defaultCacheSize is the number of decoded locators kept in memory.
	defaultCacheSize = 4096
)

// Key prefixes.
var (
	prefixLocator  = []byte("l:")
	prefixIdentity = []byte("i:")
)

// Store is a locator table backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Store struct {
	db       *pebble.DB                                     // db is the underlying Pebble database
	cache    *lru.Cache[identity.Address, *locator.Locator] // cache holds recently read locators
	putMu    sync.Mutex                                     // putMu serializes compare-and-replace in Put
	stopSync chan struct{}                                  // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New opens or creates a store at the given path.
func New(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(8 << 20), // 8 MB cache
		MemTableSize:                4 << 20,                  // 4 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[identity.Address, *locator.Locator](defaultCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		cache:    cache,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// locatorKey returns the key under which subject's locator is stored.
func locatorKey(subject identity.Address) []byte {
	b := subject.Bytes()
	return append(append([]byte(nil), prefixLocator...), b[:]...)
}

// identityKey returns the key under which addr's identity is stored.
func identityKey(addr identity.Address) []byte {
	b := addr.Bytes()
	return append(append([]byte(nil), prefixIdentity...), b[:]...)
}

// get retrieves a copy of the value for key, or nil if absent.
func (s *Store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Store) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Store) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
