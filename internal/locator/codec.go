package locator

import (
	"bytes"
	"fmt"

	"Meshpath/internal/endpoint"
	"Meshpath/internal/identity"
	"Meshpath/internal/wire"
)

// signedPayload encodes every field except the signature.
func (l *Locator) signedPayload() ([]byte, error) {
	w := wire.NewWriter(wire.MaxPacketSize)
	if err := l.marshal(w, true); err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}

// marshal writes the wire form, optionally leaving out the signature.
func (l *Locator) marshal(w *wire.Writer, excludeSignature bool) error {
	if err := l.subject.Marshal(w); err != nil {
		return err
	}

	if err := l.signer.Marshal(w); err != nil {
		return err
	}

	if err := w.AppendU64(uint64(l.timestamp)); err != nil {
		return err
	}

	if err := w.AppendUvarint(uint64(len(l.endpoints))); err != nil {
		return err
	}

	for _, e := range l.endpoints {
		if err := e.Marshal(w); err != nil {
			return err
		}
	}

	// Length of extension fields, none defined yet.
	if err := w.AppendUvarint(0); err != nil {
		return err
	}

	if excludeSignature {
		return nil
	}

	if err := w.AppendUvarint(uint64(len(l.signature))); err != nil {
		return err
	}

	return w.AppendBytes(l.signature)
}

// Marshal appends the full wire form including the signature.
func (l *Locator) Marshal(w *wire.Writer) error {
	return l.marshal(w, false)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (l *Locator) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(wire.MaxPacketSize)
	if err := l.Marshal(w); err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Trailing bytes are
// rejected.
func (l *Locator) UnmarshalBinary(data []byte) error {
	r := wire.NewReader(data)

	loc, err := Unmarshal(r)
	if err != nil {
		return err
	}

	if r.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes after locator: %w", r.Remaining(), wire.ErrDataFormat)
	}

	*l = *loc

	return nil
}

// Unmarshal reads a locator. Input is untrusted: every failure is a typed
// error wrapping wire.ErrDataFormat.
func Unmarshal(r *wire.Reader) (*Locator, error) {
	subject, err := identity.UnmarshalAddress(r)
	if err != nil {
		return nil, fmt.Errorf("subject:\n%w", err)
	}

	signer, err := identity.UnmarshalAddress(r)
	if err != nil {
		return nil, fmt.Errorf("signer:\n%w", err)
	}

	ts, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("timestamp:\n%w", err)
	}

	count, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("endpoint count:\n%w", err)
	}

	// Every endpoint takes at least one byte.
	if count > uint64(r.Remaining()) {
		return nil, fmt.Errorf("endpoint count %d exceeds input: %w", count, wire.ErrDataFormat)
	}

	endpoints := make([]endpoint.Endpoint, 0, count)
	for i := uint64(0); i < count; i++ {
		e, err := endpoint.Unmarshal(r)
		if err != nil {
			return nil, fmt.Errorf("endpoint %d:\n%w", i, err)
		}

		if n := len(endpoints); n > 0 && endpoint.Compare(endpoints[n-1], e) >= 0 {
			return nil, fmt.Errorf("endpoint %d out of order: %w", i, wire.ErrDataFormat)
		}

		endpoints = append(endpoints, e)
	}

	extLen, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("extension length:\n%w", err)
	}

	if err := r.Skip(extLen); err != nil {
		return nil, fmt.Errorf("extension fields:\n%w", err)
	}

	sigLen, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("signature length:\n%w", err)
	}

	sig, err := r.ReadBytes(sigLen)
	if err != nil {
		return nil, fmt.Errorf("signature:\n%w", err)
	}

	return &Locator{
		subject:   subject,
		signer:    signer,
		timestamp: int64(ts),
		endpoints: endpoints,
		signature: bytes.Clone(sig),
	}, nil
}
