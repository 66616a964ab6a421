// Package wire provides the bounded byte codec used for every structure that
// crosses the network: fixed-width big-endian integers, minimal uvarints and
// raw byte spans.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

const (
	// MaxPacketSize is the largest encoded message the protocol will produce.
	MaxPacketSize = 16384
)

var (
	// ErrDataFormat is returned when input is truncated or structurally invalid.
	ErrDataFormat = errors.New("wire: invalid data format")

	// ErrOverflow is returned when an append would exceed the writer capacity.
	ErrOverflow = errors.New("wire: buffer capacity exceeded")
)

// Writer appends encoded values to a capacity-bounded buffer.
type Writer struct {
	buf []byte // buf holds the encoded bytes so far
	max int    // max is the capacity limit in bytes
}

// NewWriter creates a writer that refuses to grow past max bytes.
func NewWriter(max int) *Writer {
	return &Writer{
		buf: make([]byte, 0, min(max, 512)),
		max: max,
	}
}

// Bytes returns the encoded bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return len(w.buf)
}

// reserve checks that n more bytes fit.
func (w *Writer) reserve(n int) error {
	if n < 0 || len(w.buf)+n > w.max {
		return fmt.Errorf("append %d bytes at %d/%d: %w", n, len(w.buf), w.max, ErrOverflow)
	}

	return nil
}

// AppendU8 appends a single byte.
func (w *Writer) AppendU8(v uint8) error {
	if err := w.reserve(1); err != nil {
		return err
	}

	w.buf = append(w.buf, v)

	return nil
}

// AppendU16 appends a big-endian 16-bit integer.
func (w *Writer) AppendU16(v uint16) error {
	if err := w.reserve(2); err != nil {
		return err
	}

	w.buf = binary.BigEndian.AppendUint16(w.buf, v)

	return nil
}

// AppendU64 appends a big-endian 64-bit integer.
func (w *Writer) AppendU64(v uint64) error {
	if err := w.reserve(8); err != nil {
		return err
	}

	w.buf = binary.BigEndian.AppendUint64(w.buf, v)

	return nil
}

// AppendUvarint appends v as a minimal unsigned varint.
func (w *Writer) AppendUvarint(v uint64) error {
	if v > varint.MaxValueUvarint63 {
		return fmt.Errorf("varint %d out of range: %w", v, ErrOverflow)
	}

	if err := w.reserve(varint.UvarintSize(v)); err != nil {
		return err
	}

	w.buf = append(w.buf, varint.ToUvarint(v)...)

	return nil
}

// AppendBytes appends raw bytes without a length prefix.
func (w *Writer) AppendBytes(b []byte) error {
	if err := w.reserve(len(b)); err != nil {
		return err
	}

	w.buf = append(w.buf, b...)

	return nil
}

// Reader decodes values sequentially from a byte slice.
type Reader struct {
	data   []byte // data is the input being decoded
	offset int    // offset is the read cursor
}

// NewReader wraps data for decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.offset
}

// Offset returns the current read position.
func (r *Reader) Offset() int {
	return r.offset
}

// need consumes n bytes and returns the offset they start at.
func (r *Reader) need(n uint64) (int, error) {
	if n > uint64(r.Remaining()) {
		return 0, fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, r.offset, r.Remaining(), ErrDataFormat)
	}

	off := r.offset
	r.offset += int(n)

	return off, nil
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (uint8, error) {
	off, err := r.need(1)
	if err != nil {
		return 0, err
	}

	return r.data[off], nil
}

// ReadU16 reads a big-endian 16-bit integer.
func (r *Reader) ReadU16() (uint16, error) {
	off, err := r.need(2)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(r.data[off:]), nil
}

// ReadU64 reads a big-endian 64-bit integer.
func (r *Reader) ReadU64() (uint64, error) {
	off, err := r.need(8)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(r.data[off:]), nil
}

// ReadUvarint reads a minimal unsigned varint.
func (r *Reader) ReadUvarint() (uint64, error) {
	v, n, err := varint.FromUvarint(r.data[r.offset:])
	if err != nil {
		return 0, fmt.Errorf("varint at offset %d: %v: %w", r.offset, err, ErrDataFormat)
	}

	r.offset += n

	return v, nil
}

// ReadBytes returns the next n bytes. The slice aliases the input.
func (r *Reader) ReadBytes(n uint64) ([]byte, error) {
	off, err := r.need(n)
	if err != nil {
		return nil, err
	}

	return r.data[off : off+int(n)], nil
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n uint64) error {
	_, err := r.need(n)
	return err
}
