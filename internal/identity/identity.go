// Package identity defines node identities: key pairs that sign and verify
// messages and derive the 40-bit address a node is known by.
package identity

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Kind identifies the signature scheme behind an identity.
type Kind uint8

const (
	// KindEd25519 is an Ed25519 key pair.
	KindEd25519 Kind = 1

	// KindBLS is a BLS12-381 key pair (public keys in G1, signatures in G2).
	KindBLS Kind = 2
)

// ErrNoSecretKey is returned when signing with a public-only identity.
var ErrNoSecretKey = errors.New("identity: no secret key")

// Identity is a signing identity bound to an address.
type Identity interface {
	// Address returns the address derived from the public key.
	Address() Address

	// Kind returns the signature scheme.
	Kind() Kind

	// PublicKey returns the encoded public key.
	PublicKey() []byte

	// Sign signs msg. Fails with ErrNoSecretKey for public-only identities.
	Sign(msg []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature of msg.
	Verify(msg, sig []byte) bool
}

// deriveAddress hashes kind and public key until a valid address appears.
func deriveAddress(kind Kind, pub []byte) Address {
	h := blake3.New()
	h.Write([]byte{byte(kind)})
	h.Write(pub)

	var digest [32]byte
	h.Sum(digest[:0])

	for {
		a, _ := AddressFromBytes(digest[:AddressSize])
		if a.IsValid() {
			return a
		}

		digest = blake3.Sum256(digest[:])
	}
}

// Marshal encodes an identity as kind byte followed by its public key.
func Marshal(id Identity) []byte {
	pub := id.PublicKey()
	out := make([]byte, 0, 1+len(pub))
	out = append(out, byte(id.Kind()))

	return append(out, pub...)
}

// Parse decodes a public-only identity produced by Marshal.
func Parse(data []byte) (Identity, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty identity")
	}

	return FromPublicKey(Kind(data[0]), data[1:])
}

// FromPublicKey builds a public-only identity of the given kind.
func FromPublicKey(kind Kind, pub []byte) (Identity, error) {
	switch kind {
	case KindEd25519:
		return NewEd25519Public(pub)
	case KindBLS:
		return NewBLSPublic(pub)
	default:
		return nil, fmt.Errorf("unknown identity kind %d", kind)
	}
}
