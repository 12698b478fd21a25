// Package record implements the .takrec capture container: a chunked,
// crash-safe, indexed, optionally integrity-chained file format that
// preserves wall and monotonic time and optional raw frames for
// audit-grade reproduction.
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/Al2800/takrust/errors"
)

// File magic and terminator.
var (
	headerMagic = [4]byte{'T', 'A', 'K', 'R'}
	footerMagic = [4]byte{'R', 'K', 'A', 'T'}
)

// FormatVersion is the container version this library writes.
const FormatVersion uint32 = 1

// Chunk types.
const (
	ChunkRecord    byte = 0x01
	ChunkIndex     byte = 0xFE
	ChunkIntegrity byte = 0xFF
)

// castagnoli is the CRC32C table shared by chunk checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Direction of a captured frame.
type Direction byte

// Frame directions.
const (
	Inbound  Direction = 0
	Outbound Direction = 1
)

// Protocol identifies the wire protocol of a captured frame.
type Protocol byte

// Capture protocols.
const (
	ProtoTakXml        Protocol = 0
	ProtoTakV1Stream   Protocol = 1
	ProtoTakV1Mesh     Protocol = 2
	ProtoSapientV2     Protocol = 3
	ProtoWireTelemetry Protocol = 4
)

// Metadata is one key/value annotation on an entry.
type Metadata struct {
	Key   string
	Value string
}

// Entry is one captured frame with its observation times.
type Entry struct {
	Direction   Direction
	WallNs      uint64
	MonotonicNs uint64
	Protocol    Protocol
	RawFrame    []byte
	Decoded     []byte
	Peer        string
	Metadata    []Metadata
}

// MonotonicOffset returns the entry offset as a Duration.
func (e Entry) MonotonicOffset() time.Duration {
	return time.Duration(e.MonotonicNs)
}

const (
	flagHasRaw     byte = 1 << 0
	flagHasDecoded byte = 1 << 1
	flagHasPeer    byte = 1 << 2
)

// encodeEntry serializes an entry payload.
func encodeEntry(e Entry) []byte {
	var flags byte
	if e.RawFrame != nil {
		flags |= flagHasRaw
	}
	if e.Decoded != nil {
		flags |= flagHasDecoded
	}
	if e.Peer != "" {
		flags |= flagHasPeer
	}

	b := make([]byte, 0, 32+len(e.RawFrame)+len(e.Decoded))
	b = append(b, byte(e.Direction))
	b = binary.LittleEndian.AppendUint64(b, e.WallNs)
	b = binary.LittleEndian.AppendUint64(b, e.MonotonicNs)
	b = append(b, byte(e.Protocol), flags)

	if flags&flagHasRaw != 0 {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(e.RawFrame)))
		b = append(b, e.RawFrame...)
	}
	if flags&flagHasDecoded != 0 {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Decoded)))
		b = append(b, e.Decoded...)
	}
	if flags&flagHasPeer != 0 {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Peer)))
		b = append(b, e.Peer...)
	}

	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Metadata)))
	for _, m := range e.Metadata {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(m.Key)))
		b = append(b, m.Key...)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(m.Value)))
		b = append(b, m.Value...)
	}
	return b
}

type entryReader struct {
	b   []byte
	off int
}

func (r *entryReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.b) {
		return nil, fmt.Errorf("record: entry truncated at offset %d: %w", r.off, errors.ErrWriteTruncated)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *entryReader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *entryReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *entryReader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// decodeEntry parses an entry payload.
func decodeEntry(payload []byte) (Entry, error) {
	r := &entryReader{b: payload}
	var e Entry

	head, err := r.bytes(1)
	if err != nil {
		return Entry{}, err
	}
	e.Direction = Direction(head[0])

	if e.WallNs, err = r.u64(); err != nil {
		return Entry{}, err
	}
	if e.MonotonicNs, err = r.u64(); err != nil {
		return Entry{}, err
	}

	protoFlags, err := r.bytes(2)
	if err != nil {
		return Entry{}, err
	}
	e.Protocol = Protocol(protoFlags[0])
	flags := protoFlags[1]

	if flags&flagHasRaw != 0 {
		n, err := r.u32()
		if err != nil {
			return Entry{}, err
		}
		raw, err := r.bytes(int(n))
		if err != nil {
			return Entry{}, err
		}
		e.RawFrame = append([]byte(nil), raw...)
	}
	if flags&flagHasDecoded != 0 {
		n, err := r.u32()
		if err != nil {
			return Entry{}, err
		}
		dec, err := r.bytes(int(n))
		if err != nil {
			return Entry{}, err
		}
		e.Decoded = append([]byte(nil), dec...)
	}
	if flags&flagHasPeer != 0 {
		n, err := r.u16()
		if err != nil {
			return Entry{}, err
		}
		peer, err := r.bytes(int(n))
		if err != nil {
			return Entry{}, err
		}
		e.Peer = string(peer)
	}

	count, err := r.u16()
	if err != nil {
		return Entry{}, err
	}
	for i := 0; i < int(count); i++ {
		klen, err := r.u16()
		if err != nil {
			return Entry{}, err
		}
		k, err := r.bytes(int(klen))
		if err != nil {
			return Entry{}, err
		}
		vlen, err := r.u16()
		if err != nil {
			return Entry{}, err
		}
		v, err := r.bytes(int(vlen))
		if err != nil {
			return Entry{}, err
		}
		e.Metadata = append(e.Metadata, Metadata{Key: string(k), Value: string(v)})
	}
	return e, nil
}
