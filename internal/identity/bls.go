package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for identity signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// BLSIdentity is an identity backed by a BLS12-381 key pair.
type BLSIdentity struct {
	secret  *blst.SecretKey // secret is nil for public-only identities
	public  *blst.P1Affine  // public is the verification key
	address Address         // address is derived from the compressed public key
}

// NewBLSFromSeed derives a BLS identity from a seed of at least 32 bytes.
func NewBLSFromSeed(seed []byte) (*BLSIdentity, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	public := new(blst.P1Affine).From(secret)

	return &BLSIdentity{
		secret:  secret,
		public:  public,
		address: deriveAddress(KindBLS, public.Compress()),
	}, nil
}

// NewBLSFromEd25519 derives a deterministic BLS identity bound to an Ed25519 key.
func NewBLSFromEd25519(priv ed25519.PrivateKey) (*BLSIdentity, error) {
	h := blake3.New()
	h.Write([]byte("meshpath-bls-keygen"))
	h.Write(priv.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return NewBLSFromSeed(derived[:])
}

// GenerateBLS creates a new random BLS identity.
func GenerateBLS() (*BLSIdentity, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return NewBLSFromSeed(ikm[:])
}

// NewBLSPublic wraps a compressed public key for verification only.
func NewBLSPublic(pub []byte) (*BLSIdentity, error) {
	if len(pub) != BLSPublicKeySize {
		return nil, fmt.Errorf("invalid BLS public key size: got %d, want %d", len(pub), BLSPublicKeySize)
	}

	pk := new(blst.P1Affine).Uncompress(pub)
	if pk == nil || !pk.KeyValidate() {
		return nil, fmt.Errorf("invalid BLS public key")
	}

	return &BLSIdentity{
		public:  pk,
		address: deriveAddress(KindBLS, pub),
	}, nil
}

func (id *BLSIdentity) Address() Address  { return id.address }
func (id *BLSIdentity) Kind() Kind        { return KindBLS }
func (id *BLSIdentity) PublicKey() []byte { return id.public.Compress() }

// Sign creates a compressed BLS signature over msg.
func (id *BLSIdentity) Sign(msg []byte) ([]byte, error) {
	if id.secret == nil {
		return nil, ErrNoSecretKey
	}

	return new(blst.P2Affine).Sign(id.secret, msg, blsDST).Compress(), nil
}

// Verify checks a compressed BLS signature.
func (id *BLSIdentity) Verify(msg, sig []byte) bool {
	if len(sig) != BLSSignatureSize {
		return false
	}

	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}

	return s.Verify(true, id.public, false, msg, blsDST)
}

// PublicOnly returns a copy of the identity without the secret key.
func (id *BLSIdentity) PublicOnly() *BLSIdentity {
	return &BLSIdentity{public: id.public, address: id.address}
}
