package network

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"Meshpath/internal/identity"
	"Meshpath/internal/locator"
	"Meshpath/internal/wire"
)

const (
	// maxSyncRecords caps the number of locators in one sync response.
	maxSyncRecords = 1024

	// maxIdentitySize bounds one encoded identity in a batch.
	maxIdentitySize = 128
)

// syncRecord pairs a locator with the identity that signed it.
type syncRecord struct {
	signer identity.Identity // signer verifies loc
	loc    *locator.Locator  // loc is the announced locator
}

// encodeSyncBatch serializes and zstd-compresses records.
// Format: [uvarint count] then per record [uvarint len][identity][uvarint len][locator]
func encodeSyncBatch(records []syncRecord) ([]byte, error) {
	w := wire.NewWriter(maxMessageSize)

	if err := w.AppendUvarint(uint64(len(records))); err != nil {
		return nil, err
	}

	for _, rec := range records {
		locBytes, err := rec.loc.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal locator %s:\n%w", rec.loc.Subject(), err)
		}

		for _, field := range [][]byte{identity.Marshal(rec.signer), locBytes} {
			if err := w.AppendUvarint(uint64(len(field))); err != nil {
				return nil, err
			}

			if err := w.AppendBytes(field); err != nil {
				return nil, err
			}
		}
	}

	return compressBatch(w.Bytes())
}

// decodeSyncBatch decompresses and parses a batch. Records are returned
// unverified.
func decodeSyncBatch(data []byte) ([]syncRecord, error) {
	raw, err := decompressBatch(data)
	if err != nil {
		return nil, err
	}

	r := wire.NewReader(raw)

	count, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("read record count:\n%w", err)
	}

	if count > maxSyncRecords {
		return nil, fmt.Errorf("%d records exceeds %d: %w", count, maxSyncRecords, wire.ErrDataFormat)
	}

	records := make([]syncRecord, 0, count)

	for i := uint64(0); i < count; i++ {
		idBytes, err := readField(r, maxIdentitySize)
		if err != nil {
			return nil, fmt.Errorf("record %d identity:\n%w", i, err)
		}

		signer, err := identity.Parse(idBytes)
		if err != nil {
			return nil, fmt.Errorf("record %d identity:\n%w", i, err)
		}

		locBytes, err := readField(r, wire.MaxPacketSize)
		if err != nil {
			return nil, fmt.Errorf("record %d locator:\n%w", i, err)
		}

		loc := new(locator.Locator)
		if err := loc.UnmarshalBinary(locBytes); err != nil {
			return nil, fmt.Errorf("record %d locator:\n%w", i, err)
		}

		records = append(records, syncRecord{signer: signer, loc: loc})
	}

	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after batch: %w", r.Remaining(), wire.ErrDataFormat)
	}

	return records, nil
}

// readField reads a uvarint length-prefixed byte string of at most limit bytes.
func readField(r *wire.Reader, limit uint64) ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}

	if n > limit {
		return nil, fmt.Errorf("field of %d bytes exceeds %d: %w", n, limit, wire.ErrDataFormat)
	}

	return r.ReadBytes(n)
}

// compressBatch compresses batch bytes using zstd.
func compressBatch(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompressBatch decompresses zstd batch bytes, bounded by maxMessageSize.
func decompressBatch(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress batch:\n%w", err)
	}

	return raw, nil
}
