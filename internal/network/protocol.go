package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	flatbuffers "github.com/google/flatbuffers/go"

	"Meshpath/internal/identity"
	"Meshpath/internal/types"
)

const (
	// maxMessageSize bounds one framed message, sized for a sync batch.
	maxMessageSize = 4 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4

	// minEnvelopeSize is the smallest buffer holding a root offset and vtable.
	minEnvelopeSize = 8
)

// ErrMalformedEnvelope is returned for envelopes that do not decode.
var ErrMalformedEnvelope = errors.New("network: malformed envelope")

// envelope is the decoded form of types.Envelope.
type envelope struct {
	kind         types.MessageKind // kind selects how payload is interpreted
	identityKind identity.Kind     // identityKind is the kind of publicKey, 0 if absent
	publicKey    []byte            // publicKey is the sender-supplied signer key
	payload      []byte            // payload is the kind-specific body
}

// encodeEnvelope builds an envelope. id may be nil for kinds that carry no
// signer.
func encodeEnvelope(kind types.MessageKind, id identity.Identity, payload []byte) []byte {
	builder := flatbuffers.NewBuilder(64 + len(payload))

	var pubVec flatbuffers.UOffsetT
	if id != nil {
		pubVec = builder.CreateByteVector(id.PublicKey())
	}

	var payloadVec flatbuffers.UOffsetT
	if len(payload) > 0 {
		payloadVec = builder.CreateByteVector(payload)
	}

	types.EnvelopeStart(builder)
	types.EnvelopeAddKind(builder, kind)

	if id != nil {
		types.EnvelopeAddIdentityKind(builder, byte(id.Kind()))
		types.EnvelopeAddPublicKey(builder, pubVec)
	}

	if len(payload) > 0 {
		types.EnvelopeAddPayload(builder, payloadVec)
	}

	builder.Finish(types.EnvelopeEnd(builder))

	return builder.FinishedBytes()
}

// decodeEnvelope parses untrusted envelope bytes. The returned slices are
// copies and stay valid after data is reused.
func decodeEnvelope(data []byte) (env envelope, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			env = envelope{}
			retErr = ErrMalformedEnvelope
		}
	}()

	if len(data) < minEnvelopeSize {
		return envelope{}, fmt.Errorf("envelope of %d bytes: %w", len(data), ErrMalformedEnvelope)
	}

	fb := types.GetRootAsEnvelope(data, 0)

	env = envelope{
		kind:         fb.Kind(),
		identityKind: identity.Kind(fb.IdentityKind()),
		publicKey:    append([]byte(nil), fb.PublicKeyBytes()...),
		payload:      append([]byte(nil), fb.PayloadBytes()...),
	}

	if _, ok := types.EnumNamesMessageKind[env.kind]; !ok || env.kind == types.MessageKindNone {
		return envelope{}, fmt.Errorf("unknown kind %s: %w", env.kind, ErrMalformedEnvelope)
	}

	return env, nil
}

// signer parses the identity carried by the envelope.
func (e envelope) signer() (identity.Identity, error) {
	if len(e.publicKey) == 0 {
		return nil, fmt.Errorf("no signer key: %w", ErrMalformedEnvelope)
	}

	return identity.FromPublicKey(e.identityKind, e.publicKey)
}

// writeMessage writes a length-prefixed message to the writer.
// Format: [4 bytes big-endian length] [payload]
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readMessage reads a length-prefixed message from the reader.
func readMessage(r io.Reader) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
