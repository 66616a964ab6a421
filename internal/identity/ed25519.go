package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519Identity is an identity backed by an Ed25519 key pair.
type Ed25519Identity struct {
	public  ed25519.PublicKey  // public is the verification key
	private ed25519.PrivateKey // private is nil for public-only identities
	address Address            // address is derived from public
}

// NewEd25519 wraps an existing private key.
func NewEd25519(priv ed25519.PrivateKey) *Ed25519Identity {
	pub := priv.Public().(ed25519.PublicKey)

	return &Ed25519Identity{
		public:  pub,
		private: priv,
		address: deriveAddress(KindEd25519, pub),
	}
}

// NewEd25519Public wraps a public key for verification only.
func NewEd25519Public(pub []byte) (*Ed25519Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key size: got %d, want %d", len(pub), ed25519.PublicKeySize)
	}

	key := ed25519.PublicKey(bytes.Clone(pub))

	return &Ed25519Identity{
		public:  key,
		address: deriveAddress(KindEd25519, key),
	}, nil
}

// GenerateEd25519 creates a new random Ed25519 identity.
func GenerateEd25519() (*Ed25519Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return NewEd25519(priv), nil
}

func (id *Ed25519Identity) Address() Address  { return id.address }
func (id *Ed25519Identity) Kind() Kind        { return KindEd25519 }
func (id *Ed25519Identity) PublicKey() []byte { return bytes.Clone(id.public) }

// Sign signs msg with the private key.
func (id *Ed25519Identity) Sign(msg []byte) ([]byte, error) {
	if id.private == nil {
		return nil, ErrNoSecretKey
	}

	return ed25519.Sign(id.private, msg), nil
}

// Verify checks an Ed25519 signature.
func (id *Ed25519Identity) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(id.public, msg, sig)
}

// PublicOnly returns a copy of the identity without the secret key.
func (id *Ed25519Identity) PublicOnly() *Ed25519Identity {
	return &Ed25519Identity{public: id.public, address: id.address}
}
