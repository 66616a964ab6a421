package path

import (
	"cmp"
	"slices"
)

const (
	// initialBuckets is the starting bucket count; always a power of two.
	initialBuckets = 8
)

// tableEntry is one in-flight assembly in a bucket chain.
type tableEntry struct {
	id       uint64    // id is the packet identifier
	assembly *Assembly // assembly is the partial packet
}

// fragmentTable is a chained hash table keyed by packet id. Bucket placement
// comes from a per-path seeded PacketIDHasher. Not safe for concurrent use.
type fragmentTable struct {
	hasher  *PacketIDHasher // hasher places ids into buckets
	buckets [][]tableEntry  // buckets has power-of-two length
	count   int             // count is the number of entries
}

// newFragmentTable creates an empty table using the given seed.
func newFragmentTable(seed uint64) *fragmentTable {
	return &fragmentTable{
		hasher:  NewPacketIDHasher(seed),
		buckets: make([][]tableEntry, initialBuckets),
	}
}

// bucket returns the bucket index for id.
func (t *fragmentTable) bucket(id uint64) int {
	return int(t.hasher.Hash(id) & uint64(len(t.buckets)-1))
}

// len returns the number of entries.
func (t *fragmentTable) len() int {
	return t.count
}

// getOrCreate returns the assembly for id, creating it at timeTicks if absent.
func (t *fragmentTable) getOrCreate(id uint64, timeTicks int64) *Assembly {
	b := t.bucket(id)
	for _, e := range t.buckets[b] {
		if e.id == id {
			return e.assembly
		}
	}

	a := newAssembly(timeTicks)
	t.buckets[b] = append(t.buckets[b], tableEntry{id: id, assembly: a})
	t.count++

	if t.count > 2*len(t.buckets) {
		t.grow()
	}

	return a
}

// remove deletes id and reports whether it was present.
func (t *fragmentTable) remove(id uint64) bool {
	b := t.bucket(id)
	for i, e := range t.buckets[b] {
		if e.id == id {
			t.buckets[b] = slices.Delete(t.buckets[b], i, i+1)
			t.count--
			return true
		}
	}

	return false
}

// contains reports whether id has an in-flight assembly.
func (t *fragmentTable) contains(id uint64) bool {
	for _, e := range t.buckets[t.bucket(id)] {
		if e.id == id {
			return true
		}
	}

	return false
}

// retain keeps only entries for which keep returns true.
func (t *fragmentTable) retain(keep func(*Assembly) bool) int {
	dropped := 0

	for b, chain := range t.buckets {
		n := len(chain)
		t.buckets[b] = slices.DeleteFunc(chain, func(e tableEntry) bool { return !keep(e.assembly) })
		dropped += n - len(t.buckets[b])
	}

	t.count -= dropped

	return dropped
}

// evictOldest removes the n entries with the oldest creation ticks.
func (t *fragmentTable) evictOldest(n int) {
	entries := make([]tableEntry, 0, t.count)
	for _, chain := range t.buckets {
		entries = append(entries, chain...)
	}

	slices.SortFunc(entries, func(a, b tableEntry) int {
		if c := cmp.Compare(a.assembly.createdTicks, b.assembly.createdTicks); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	for _, e := range entries[:min(n, len(entries))] {
		t.remove(e.id)
	}
}

// grow doubles the bucket count and rehashes every entry.
func (t *fragmentTable) grow() {
	old := t.buckets
	t.buckets = make([][]tableEntry, 2*len(old))

	for _, chain := range old {
		for _, e := range chain {
			b := t.bucket(e.id)
			t.buckets[b] = append(t.buckets[b], e)
		}
	}
}
