package record

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
)

// Header carries the container preamble.
type Header struct {
	Version          uint32
	Flags            uint32
	CreationWallNs   uint64
	MonotonicEpochNs uint64
	LimitsProfile    []byte
}

// IndexEntry maps a monotonic offset to a chunk's file offset.
type IndexEntry struct {
	MonotonicOffsetNs uint64
	FileOffset        uint64
}

// Signer optionally signs the final integrity chain hash.
type Signer interface {
	Sign(chainHash [32]byte) ([]byte, error)
}

// Writer appends chunks to a .takrec stream. Chunks commit atomically:
// each chunk is assembled in memory and issued as a single write, so a
// crash leaves either the whole chunk or none of it. The index and the
// optional integrity chain are appended on Close.
type Writer struct {
	w         io.Writer
	file      *os.File // non-nil when syncable
	offset    uint64
	index     []IndexEntry
	chainHash [32]byte
	hasChain  bool
	integrity bool
	signer    Signer
	closed    bool
}

// WriterOptions configures a writer.
type WriterOptions struct {
	// Integrity enables the rolling SHA-256 chain chunk.
	Integrity bool
	Signer    Signer
	// CreationWall defaults to the current instant; the header's
	// monotonic epoch is written from the same instant.
	CreationWall time.Time
	Limits       limits.Limits
}

// NewWriter writes the header and returns an appending writer.
func NewWriter(w io.Writer, opts WriterOptions) (*Writer, error) {
	creation := opts.CreationWall
	if creation.IsZero() {
		creation = time.Now()
	}

	profile := fmt.Sprintf("max_frame_bytes=%d;max_protobuf_bytes=%d;max_queue_messages=%d",
		opts.Limits.MaxFrameBytes, opts.Limits.MaxProtobufBytes, opts.Limits.MaxQueueMessages)

	header := make([]byte, 0, 64)
	header = append(header, headerMagic[:]...)
	header = binary.LittleEndian.AppendUint32(header, FormatVersion)
	header = binary.LittleEndian.AppendUint32(header, 0) // flags
	header = binary.LittleEndian.AppendUint64(header, uint64(creation.UnixNano()))
	header = binary.LittleEndian.AppendUint64(header, uint64(creation.UnixNano()))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(profile)))
	header = append(header, profile...)

	if _, err := w.Write(header); err != nil {
		return nil, err
	}

	wr := &Writer{
		w:         w,
		offset:    uint64(len(header)),
		integrity: opts.Integrity,
		signer:    opts.Signer,
	}
	if f, ok := w.(*os.File); ok {
		wr.file = f
	}
	return wr, nil
}

// Append commits one entry chunk. Monotonic offsets must be
// non-decreasing; the writer preserves arrival order.
func (w *Writer) Append(e Entry) error {
	if w.closed {
		return errors.ErrClosed
	}
	if n := len(w.index); n > 0 && e.MonotonicNs < w.index[n-1].MonotonicOffsetNs {
		return fmt.Errorf("record: monotonic offset regressed: %w", errors.ErrWriteTruncated)
	}

	chunkOffset := w.offset
	if err := w.writeChunk(ChunkRecord, encodeEntry(e)); err != nil {
		return err
	}
	w.index = append(w.index, IndexEntry{MonotonicOffsetNs: e.MonotonicNs, FileOffset: chunkOffset})
	return nil
}

// writeChunk assembles and issues one chunk as a single write, folding
// its checksum into the integrity chain.
func (w *Writer) writeChunk(chunkType byte, payload []byte) error {
	checksum := crc32.Checksum(payload, castagnoli)

	chunk := make([]byte, 0, 9+len(payload))
	chunk = binary.LittleEndian.AppendUint32(chunk, uint32(len(payload)))
	chunk = append(chunk, chunkType)
	chunk = binary.LittleEndian.AppendUint32(chunk, checksum)
	chunk = append(chunk, payload...)

	if _, err := w.w.Write(chunk); err != nil {
		return err
	}
	w.offset += uint64(len(chunk))

	if w.integrity && chunkType == ChunkRecord {
		h := sha256.New()
		if w.hasChain {
			h.Write(w.chainHash[:])
		}
		var sum [4]byte
		binary.LittleEndian.PutUint32(sum[:], checksum)
		h.Write(sum[:])
		copy(w.chainHash[:], h.Sum(nil))
		w.hasChain = true
	}
	return nil
}

// Flush forces the chunks to stable storage when the sink is a file.
func (w *Writer) Flush() error {
	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}

// Close appends the index chunk, the optional integrity chunk, and the
// footer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	indexOffset := w.offset
	indexPayload := make([]byte, 0, 4+16*len(w.index))
	indexPayload = binary.LittleEndian.AppendUint32(indexPayload, uint32(len(w.index)))
	for _, entry := range w.index {
		indexPayload = binary.LittleEndian.AppendUint64(indexPayload, entry.MonotonicOffsetNs)
		indexPayload = binary.LittleEndian.AppendUint64(indexPayload, entry.FileOffset)
	}
	if err := w.writeChunk(ChunkIndex, indexPayload); err != nil {
		return err
	}

	var integrityOffset uint64
	if w.integrity {
		integrityOffset = w.offset
		payload := append([]byte(nil), w.chainHash[:]...)
		var signature []byte
		if w.signer != nil {
			var err error
			signature, err = w.signer.Sign(w.chainHash)
			if err != nil {
				return fmt.Errorf("record: signing integrity chain: %w", err)
			}
		}
		payload = binary.LittleEndian.AppendUint32(payload, uint32(len(signature)))
		payload = append(payload, signature...)
		if err := w.writeChunk(ChunkIntegrity, payload); err != nil {
			return err
		}
	}

	footer := make([]byte, 0, 24)
	footer = append(footer, footerMagic[:]...)
	footer = binary.LittleEndian.AppendUint64(footer, indexOffset)
	footer = binary.LittleEndian.AppendUint64(footer, integrityOffset)
	footer = binary.LittleEndian.AppendUint32(footer, crc32.Checksum(footer, castagnoli))

	if _, err := w.w.Write(footer); err != nil {
		return err
	}
	w.offset += uint64(len(footer))
	return w.Flush()
}
