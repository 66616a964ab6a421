package path

// PacketIDHasher is a seeded hash for 64-bit packet identifiers.
//
// The mixing is a shift/xor cascade; it is not cryptographic, but with a
// random seed an attacker choosing packet ids cannot predict bucket
// placement. It implements hash.Hash64 and only accepts uint64 input.
type PacketIDHasher struct {
	seed  uint64 // seed is restored by Reset
	state uint64 // state is the running hash
}

// NewPacketIDHasher returns a hasher starting from seed.
func NewPacketIDHasher(seed uint64) *PacketIDHasher {
	return &PacketIDHasher{seed: seed, state: seed}
}

// mix folds v into state.
func mix(state, v uint64) uint64 {
	x := state + v
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17

	return x
}

// WriteUint64 folds a packet identifier into the hash.
func (h *PacketIDHasher) WriteUint64(v uint64) {
	h.state = mix(h.state, v)
}

// Write panics: byte input would bypass the seeded integer mixing.
func (h *PacketIDHasher) Write(p []byte) (int, error) {
	panic("path: PacketIDHasher accepts only uint64 keys")
}

// Sum64 returns the current hash.
func (h *PacketIDHasher) Sum64() uint64 {
	return h.state
}

// Sum appends the big-endian hash to b.
func (h *PacketIDHasher) Sum(b []byte) []byte {
	s := h.state
	return append(b, byte(s>>56), byte(s>>48), byte(s>>40), byte(s>>32), byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

// Reset restores the seed.
func (h *PacketIDHasher) Reset() {
	h.state = h.seed
}

// Size returns the number of bytes Sum appends.
func (h *PacketIDHasher) Size() int { return 8 }

// BlockSize returns the input granularity: one uint64.
func (h *PacketIDHasher) BlockSize() int { return 8 }

// Hash returns the hash of a single id without touching the running state.
func (h *PacketIDHasher) Hash(id uint64) uint64 {
	return mix(h.seed, id)
}
