package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"Meshpath/internal/identity"
	"Meshpath/internal/locator"
)

// Put stores loc if there is no locator for its subject yet or loc
// supersedes the stored one. It reports whether loc was written.
func (s *Store) Put(loc *locator.Locator) (bool, error) {
	s.putMu.Lock()
	defer s.putMu.Unlock()

	existing, err := s.Get(loc.Subject())
	if err != nil {
		return false, err
	}

	if existing != nil && !loc.ShouldReplace(existing) {
		return false, nil
	}

	data, err := loc.MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("marshal locator:\n%w", err)
	}

	if err := s.db.Set(locatorKey(loc.Subject()), data, pebble.NoSync); err != nil {
		return false, fmt.Errorf("write locator:\n%w", err)
	}

	s.cache.Add(loc.Subject(), loc)

	return true, nil
}

// Get returns the stored locator for subject, or nil if none is known.
func (s *Store) Get(subject identity.Address) (*locator.Locator, error) {
	if loc, ok := s.cache.Get(subject); ok {
		return loc, nil
	}

	data, err := s.get(locatorKey(subject))
	if err != nil || data == nil {
		return nil, err
	}

	loc := new(locator.Locator)
	if err := loc.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode stored locator %s:\n%w", subject, err)
	}

	s.cache.Add(subject, loc)

	return loc, nil
}

// Delete removes the locator for subject.
func (s *Store) Delete(subject identity.Address) error {
	s.putMu.Lock()
	defer s.putMu.Unlock()

	s.cache.Remove(subject)

	return s.db.Delete(locatorKey(subject), pebble.NoSync)
}

// Iterate calls fn for every stored locator in subject order.
// If fn returns an error, iteration stops and the error is returned.
func (s *Store) Iterate(fn func(*locator.Locator) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixLocator,
		UpperBound: prefixUpperBound(prefixLocator),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		loc := new(locator.Locator)
		if err := loc.UnmarshalBinary(value); err != nil {
			return fmt.Errorf("decode stored locator at %x:\n%w", iter.Key(), err)
		}

		if err := fn(loc); err != nil {
			return err
		}
	}

	return iter.Error()
}

// PutIdentity records the public identity for its address.
func (s *Store) PutIdentity(id identity.Identity) error {
	return s.db.Set(identityKey(id.Address()), identity.Marshal(id), pebble.NoSync)
}

// GetIdentity returns the public identity for addr, or nil if unknown.
func (s *Store) GetIdentity(addr identity.Address) (identity.Identity, error) {
	data, err := s.get(identityKey(addr))
	if err != nil || data == nil {
		return nil, err
	}

	id, err := identity.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("decode stored identity %s:\n%w", addr, err)
	}

	return id, nil
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}

	return nil
}
