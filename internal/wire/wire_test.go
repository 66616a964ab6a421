package wire

import (
	"bytes"
	"errors"
	"testing"
)

// TestWriterReaderSequence tests encoding and decoding a mixed sequence.
func TestWriterReaderSequence(t *testing.T) {
	w := NewWriter(MaxPacketSize)

	if err := w.AppendU8(0xab); err != nil {
		t.Fatalf("append u8: %v", err)
	}
	if err := w.AppendU16(0x1234); err != nil {
		t.Fatalf("append u16: %v", err)
	}
	if err := w.AppendU64(0x0102030405060708); err != nil {
		t.Fatalf("append u64: %v", err)
	}
	if err := w.AppendUvarint(300); err != nil {
		t.Fatalf("append uvarint: %v", err)
	}
	if err := w.AppendBytes([]byte("tail")); err != nil {
		t.Fatalf("append bytes: %v", err)
	}

	r := NewReader(w.Bytes())

	if v, err := r.ReadU8(); err != nil || v != 0xab {
		t.Fatalf("read u8: got %x, %v", v, err)
	}
	if v, err := r.ReadU16(); err != nil || v != 0x1234 {
		t.Fatalf("read u16: got %x, %v", v, err)
	}
	if v, err := r.ReadU64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("read u64: got %x, %v", v, err)
	}
	if v, err := r.ReadUvarint(); err != nil || v != 300 {
		t.Fatalf("read uvarint: got %d, %v", v, err)
	}

	tail, err := r.ReadBytes(4)
	if err != nil {
		t.Fatalf("read bytes: %v", err)
	}
	if !bytes.Equal(tail, []byte("tail")) {
		t.Errorf("tail: got %q", tail)
	}

	if r.Remaining() != 0 {
		t.Errorf("remaining: got %d, want 0", r.Remaining())
	}
}

// TestBigEndianLayout tests that fixed-width integers are big-endian.
func TestBigEndianLayout(t *testing.T) {
	w := NewWriter(16)
	w.AppendU64(1)

	want := []byte{0, 0, 0, 0, 0, 0, 0, 1}
	if !bytes.Equal(w.Bytes(), want) {
		t.Errorf("layout: got %x, want %x", w.Bytes(), want)
	}
}

// TestWriterOverflow tests that the capacity bound is enforced.
func TestWriterOverflow(t *testing.T) {
	w := NewWriter(4)

	if err := w.AppendBytes([]byte{1, 2, 3}); err != nil {
		t.Fatalf("append within capacity: %v", err)
	}

	err := w.AppendU16(7)
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}

	if w.Len() != 3 {
		t.Errorf("len after failed append: got %d, want 3", w.Len())
	}
}

// TestReaderUnderflow tests that every read reports ErrDataFormat when short.
func TestReaderUnderflow(t *testing.T) {
	cases := []struct {
		name string
		read func(r *Reader) error
	}{
		{"u8", func(r *Reader) error { _, err := r.ReadU8(); return err }},
		{"u16", func(r *Reader) error { _, err := r.ReadU16(); return err }},
		{"u64", func(r *Reader) error { _, err := r.ReadU64(); return err }},
		{"uvarint", func(r *Reader) error { _, err := r.ReadUvarint(); return err }},
		{"bytes", func(r *Reader) error { _, err := r.ReadBytes(2); return err }},
		{"skip", func(r *Reader) error { return r.Skip(2) }},
		{"huge", func(r *Reader) error { _, err := r.ReadBytes(1 << 62); return err }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(nil)
			if err := tc.read(r); !errors.Is(err, ErrDataFormat) {
				t.Errorf("expected ErrDataFormat, got %v", err)
			}
		})
	}
}

// TestReaderRejectsNonMinimalVarint tests that padded varints are refused.
func TestReaderRejectsNonMinimalVarint(t *testing.T) {
	r := NewReader([]byte{0x81, 0x00})

	if _, err := r.ReadUvarint(); !errors.Is(err, ErrDataFormat) {
		t.Errorf("expected ErrDataFormat, got %v", err)
	}
}
