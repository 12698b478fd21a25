package record

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/Al2800/takrust/errors"
)

// Verifier optionally verifies the integrity chain signature.
type Verifier interface {
	Verify(chainHash [32]byte, signature []byte) bool
}

// ReadResult is the outcome of opening a capture.
type ReadResult struct {
	Header  Header
	Entries []Entry
	Index   []IndexEntry
	// Truncated is set when the file ends mid-chunk; entries before the
	// truncation point are retained.
	Truncated bool
	// IndexRebuilt is set when the footer is missing or invalid, no index
	// chunk was found, or the file is truncated.
	IndexRebuilt bool
}

// ReaderOptions configures verification.
type ReaderOptions struct {
	// RequireIntegrity fails the read when no integrity chunk exists.
	RequireIntegrity bool
	Verifier         Verifier
	// RequireSignature fails verification when the chain is unsigned.
	RequireSignature bool
}

// Read opens a .takrec capture. Every capture is read by a forward CRC
// scan that builds Index from the record chunks; the stored index chunk
// and the footer's offsets are not read back. A crashed capture keeps the
// entries before the truncation point and sets Truncated. Integrity
// violations are always fatal, never repaired.
func Read(data []byte, opts ReaderOptions) (*ReadResult, error) {
	header, body, bodyOffset, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	result := &ReadResult{Header: header}

	var integrityPayload []byte
	var sawIndexChunk bool

	offset := 0
	for offset < len(body) {
		if len(body)-offset < 9 {
			result.Truncated = true
			break
		}
		length := int(binary.LittleEndian.Uint32(body[offset:]))
		chunkType := body[offset+4]
		checksum := binary.LittleEndian.Uint32(body[offset+5:])
		payloadStart := offset + 9
		if payloadStart+length > len(body) {
			result.Truncated = true
			break
		}
		payload := body[payloadStart : payloadStart+length]

		if crc32.Checksum(payload, castagnoli) != checksum {
			// A corrupt chunk terminates replay here; earlier data is
			// retained.
			return result, fmt.Errorf("record: chunk at offset %d: %w",
				bodyOffset+uint64(offset), errors.ErrChunkChecksumMismatch)
		}

		switch chunkType {
		case ChunkRecord:
			entry, err := decodeEntry(payload)
			if err != nil {
				return result, err
			}
			result.Entries = append(result.Entries, entry)
			result.Index = append(result.Index, IndexEntry{
				MonotonicOffsetNs: entry.MonotonicNs,
				FileOffset:        bodyOffset + uint64(offset),
			})
		case ChunkIndex:
			sawIndexChunk = true
		case ChunkIntegrity:
			integrityPayload = payload
		}

		offset = payloadStart + length
	}

	if footerValid(data) && !result.Truncated && sawIndexChunk {
		result.IndexRebuilt = false
	} else {
		result.IndexRebuilt = true
	}

	if err := verifyIntegrity(result, integrityPayload, opts); err != nil {
		return nil, err
	}
	return result, nil
}

func parseHeader(data []byte) (Header, []byte, uint64, error) {
	const fixed = 4 + 4 + 4 + 8 + 8 + 4
	if len(data) < fixed {
		return Header{}, nil, 0, fmt.Errorf("record: short header: %w", errors.ErrWriteTruncated)
	}
	if [4]byte(data[:4]) != headerMagic {
		return Header{}, nil, 0, fmt.Errorf("record: bad magic: %w", errors.ErrIndexCorrupt)
	}

	header := Header{
		Version:          binary.LittleEndian.Uint32(data[4:]),
		Flags:            binary.LittleEndian.Uint32(data[8:]),
		CreationWallNs:   binary.LittleEndian.Uint64(data[12:]),
		MonotonicEpochNs: binary.LittleEndian.Uint64(data[20:]),
	}
	if header.Version != FormatVersion {
		return Header{}, nil, 0, fmt.Errorf("record: version %d: %w", header.Version, errors.ErrUnsupportedRecord)
	}

	profileLen := int(binary.LittleEndian.Uint32(data[28:]))
	if fixed+profileLen > len(data) {
		return Header{}, nil, 0, fmt.Errorf("record: header profile truncated: %w", errors.ErrWriteTruncated)
	}
	header.LimitsProfile = append([]byte(nil), data[fixed:fixed+profileLen]...)

	bodyOffset := uint64(fixed + profileLen)
	body := data[bodyOffset:]

	// Strip a valid footer so the chunk scan does not misread it.
	if footerValid(data) {
		body = body[:len(body)-footerSize]
	}
	return header, body, bodyOffset, nil
}

const footerSize = 4 + 8 + 8 + 4

func footerValid(data []byte) bool {
	if len(data) < footerSize {
		return false
	}
	footer := data[len(data)-footerSize:]
	if [4]byte(footer[:4]) != footerMagic {
		return false
	}
	want := binary.LittleEndian.Uint32(footer[20:])
	return crc32.Checksum(footer[:20], castagnoli) == want
}

func verifyIntegrity(result *ReadResult, payload []byte, opts ReaderOptions) error {
	if payload == nil {
		if opts.RequireIntegrity {
			return fmt.Errorf("record: integrity chunk missing: %w", errors.ErrIntegrityBroken)
		}
		return nil
	}
	if len(payload) < 36 {
		return fmt.Errorf("record: integrity chunk short: %w", errors.ErrIntegrityBroken)
	}

	var stored [32]byte
	copy(stored[:], payload[:32])
	sigLen := int(binary.LittleEndian.Uint32(payload[32:]))
	if 36+sigLen > len(payload) {
		return fmt.Errorf("record: integrity signature truncated: %w", errors.ErrIntegrityBroken)
	}
	signature := payload[36 : 36+sigLen]

	// Recompute the rolling chain over the record chunk checksums.
	var chain [32]byte
	var has bool
	for _, e := range result.Entries {
		h := sha256.New()
		if has {
			h.Write(chain[:])
		}
		var sum [4]byte
		binary.LittleEndian.PutUint32(sum[:], crc32.Checksum(encodeEntry(e), castagnoli))
		h.Write(sum[:])
		copy(chain[:], h.Sum(nil))
		has = true
	}

	if chain != stored {
		return fmt.Errorf("record: chain hash mismatch: %w", errors.ErrIntegrityBroken)
	}

	if len(signature) == 0 {
		if opts.RequireSignature {
			return fmt.Errorf("record: integrity chain unsigned: %w", errors.ErrIntegrityBroken)
		}
		return nil
	}
	if opts.Verifier == nil {
		if opts.RequireSignature {
			return fmt.Errorf("record: no verifier configured: %w", errors.ErrIntegrityBroken)
		}
		return nil
	}
	if !opts.Verifier.Verify(stored, signature) {
		return fmt.Errorf("record: invalid integrity signature: %w", errors.ErrIntegrityBroken)
	}
	return nil
}

// ReadFrom drains a reader and parses the capture.
func ReadFrom(r io.Reader, opts ReaderOptions) (*ReadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Read(data, opts)
}
