// Package locator implements signed reachability records.
//
// A Locator states that a subject address can be reached via a set of
// endpoints as of a timestamp, and carries the signature of the identity that
// made the statement. Nodes sign their own locators; roots may proxy-sign on
// behalf of nodes that cannot. A self-signed locator always supersedes a
// proxy-signed one.
package locator

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"

	"Meshpath/internal/endpoint"
	"Meshpath/internal/identity"
	"Meshpath/internal/wire"
)

// Locator is an immutable signed record of where a node can be found.
// A Locator is safe for concurrent use once constructed.
type Locator struct {
	subject   identity.Address    // subject is the address being described
	signer    identity.Address    // signer produced the signature
	timestamp int64               // timestamp orders locators from the same signer
	endpoints []endpoint.Endpoint // endpoints is sorted ascending without duplicates
	signature []byte              // signature covers the encoding of every other field
}

// Create builds and signs a locator for subject.
//
// Endpoints are sorted and deduplicated before signing. It fails if the
// encoding exceeds wire.MaxPacketSize or the signer has no secret key.
func Create(signer identity.Identity, subject identity.Address, ts int64, endpoints []endpoint.Endpoint) (*Locator, error) {
	eps := slices.Clone(endpoints)
	slices.SortFunc(eps, endpoint.Compare)
	eps = slices.Compact(eps)

	loc := &Locator{
		subject:   subject,
		signer:    signer.Address(),
		timestamp: ts,
		endpoints: eps,
	}

	payload, err := loc.signedPayload()
	if err != nil {
		return nil, fmt.Errorf("encode locator:\n%w", err)
	}

	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign locator:\n%w", err)
	}

	loc.signature = sig

	return loc, nil
}

// Subject returns the address this locator describes.
func (l *Locator) Subject() identity.Address { return l.subject }

// Signer returns the address that signed this locator.
func (l *Locator) Signer() identity.Address { return l.signer }

// Timestamp returns the signer's creation time.
func (l *Locator) Timestamp() int64 { return l.timestamp }

// Endpoints returns a copy of the sorted endpoint list.
func (l *Locator) Endpoints() []endpoint.Endpoint { return slices.Clone(l.endpoints) }

// Signature returns a copy of the signature bytes.
func (l *Locator) Signature() []byte { return bytes.Clone(l.signature) }

// IsProxySigned reports whether someone other than the subject signed.
func (l *Locator) IsProxySigned() bool { return l.subject != l.signer }

// ShouldReplace reports whether l supersedes other for the same subject.
// Self-signed beats proxy-signed; otherwise the later timestamp wins.
func (l *Locator) ShouldReplace(other *Locator) bool {
	if l.IsProxySigned() == other.IsProxySigned() {
		return l.timestamp > other.timestamp
	}

	return other.IsProxySigned()
}

// VerifySignature checks the signature against id. It returns false when id
// is not the recorded signer, even if the bytes would verify.
func (l *Locator) VerifySignature(id identity.Identity) bool {
	if id.Address() != l.signer {
		return false
	}

	payload, err := l.signedPayload()
	if err != nil {
		return false
	}

	return id.Verify(payload, l.signature)
}

// Compare orders by subject, timestamp, signer, then endpoint sequence.
func Compare(a, b *Locator) int {
	if c := cmp.Compare(a.subject, b.subject); c != 0 {
		return c
	}

	if c := cmp.Compare(a.timestamp, b.timestamp); c != 0 {
		return c
	}

	if c := cmp.Compare(a.signer, b.signer); c != 0 {
		return c
	}

	return slices.CompareFunc(a.endpoints, b.endpoints, endpoint.Compare)
}

// Equal reports whether both locators carry the same fields and signature.
func (l *Locator) Equal(o *Locator) bool {
	return Compare(l, o) == 0 && bytes.Equal(l.signature, o.signature)
}

// Key returns an identity hash suitable for dedup maps. Signed locators are
// keyed by their signature alone.
func (l *Locator) Key() [32]byte {
	if len(l.signature) > 0 {
		return blake3.Sum256(l.signature)
	}

	w := wire.NewWriter(wire.MaxPacketSize)
	l.signer.Marshal(w)
	w.AppendU64(uint64(l.timestamp))
	for _, e := range l.endpoints {
		e.Marshal(w)
	}

	return blake3.Sum256(w.Bytes())
}

// String returns a short description for logs.
func (l *Locator) String() string {
	return fmt.Sprintf("locator(%s by %s @%d, %d endpoints)", l.subject, l.signer, l.timestamp, len(l.endpoints))
}
