package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	"Meshpath/internal/wire"
)

const (
	// AddressSize is the encoded size of an address in bytes.
	AddressSize = 5

	// reservedPrefix is the first address byte reserved for future use.
	reservedPrefix = 0xff

	// addressMask keeps the low 40 bits.
	addressMask = 0xffffffffff
)

// ErrInvalidAddress is returned for the nil address and reserved addresses.
var ErrInvalidAddress = errors.New("identity: invalid address")

// Address is a 40-bit node address derived from an identity's public key.
type Address uint64

// AddressFromBytes decodes a 5-byte big-endian address.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressSize {
		return 0, fmt.Errorf("address length %d: %w", len(b), ErrInvalidAddress)
	}

	var a uint64
	for _, c := range b {
		a = a<<8 | uint64(c)
	}

	return Address(a), nil
}

// ParseAddress decodes the 10 hex digit text form of an address.
func ParseAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("decode %q: %w", s, ErrInvalidAddress)
	}

	a, err := AddressFromBytes(b)
	if err != nil {
		return 0, err
	}

	if !a.IsValid() {
		return 0, fmt.Errorf("address %s: %w", a, ErrInvalidAddress)
	}

	return a, nil
}

// IsValid reports whether the address is usable: non-zero, 40 bits, not reserved.
func (a Address) IsValid() bool {
	return a != 0 && uint64(a)&^addressMask == 0 && byte(a>>32) != reservedPrefix
}

// Bytes returns the 5-byte big-endian encoding.
func (a Address) Bytes() [AddressSize]byte {
	var b [AddressSize]byte
	for i := AddressSize - 1; i >= 0; i-- {
		b[i] = byte(a)
		a >>= 8
	}

	return b
}

// String returns the address as 10 hex digits.
func (a Address) String() string {
	b := a.Bytes()
	return hex.EncodeToString(b[:])
}

// Marshal appends the fixed-width encoding of the address.
func (a Address) Marshal(w *wire.Writer) error {
	b := a.Bytes()
	return w.AppendBytes(b[:])
}

// UnmarshalAddress reads an address and rejects invalid or reserved values.
func UnmarshalAddress(r *wire.Reader) (Address, error) {
	b, err := r.ReadBytes(AddressSize)
	if err != nil {
		return 0, err
	}

	a, err := AddressFromBytes(b)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", wire.ErrDataFormat, err)
	}

	if !a.IsValid() {
		return 0, fmt.Errorf("address %s: %w: %w", a, wire.ErrDataFormat, ErrInvalidAddress)
	}

	return a, nil
}
