// Package wire implements the TAK wire framings and the protocol
// negotiator. Two incompatible framings share one byte stream: legacy XML
// delimiter frames and TAK Protocol v1 varint-length-prefixed frames.
// The negotiator state machine decides which framing is active; once
// upgraded, a connection never returns to legacy framing.
package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
)

// HeaderByte opens every TAK Protocol v1 frame.
const HeaderByte = 0xBF

// MaxVarintBytes bounds the length varint; longer encodings are rejected
// as overflow rather than scanned further.
const MaxVarintBytes = 10

// Format selects the active framing on a stream.
type Format int

const (
	// FormatXML is the legacy XML delimiter framing.
	FormatXML Format = iota
	// FormatTakV1 is the TAK Protocol v1 varint-length framing.
	FormatTakV1
)

// String returns the format name.
func (f Format) String() string {
	if f == FormatTakV1 {
		return "tak-proto-v1"
	}
	return "legacy-xml"
}

// FrameError reports a framing violation with the offending size.
type FrameError struct {
	Reason string
	Size   int
	Limit  int
	cause  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("wire: %s (size %d, limit %d)", e.Reason, e.Size, e.Limit)
}

// Unwrap returns the taxonomy sentinel.
func (e *FrameError) Unwrap() error { return e.cause }

func frameTooLarge(size, limit int) error {
	return &FrameError{Reason: "frame too large", Size: size, Limit: limit, cause: errors.ErrFrameTooLarge}
}

// AppendUvarint appends the unsigned LEB128 varint encoding of v.
func AppendUvarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// ReadUvarint decodes an unsigned varint from r with strict overflow
// rejection: at most 10 bytes, and the tenth byte may only contribute a
// single bit.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; i < MaxVarintBytes; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if i == MaxVarintBytes-1 && c > 1 {
			return 0, errors.ErrVarintOverflow
		}
		v |= uint64(c&0x7F) << shift
		if c < 0x80 {
			return v, nil
		}
		shift += 7
	}
	return 0, errors.ErrVarintOverflow
}

// StreamCodec reads and writes frames in the currently negotiated format.
type StreamCodec struct {
	format   Format
	maxXML   int
	maxFrame int
}

// NewStreamCodec builds a codec starting in the given format.
func NewStreamCodec(format Format, l limits.Limits) *StreamCodec {
	return &StreamCodec{format: format, maxXML: l.MaxXMLScanBytes, maxFrame: l.MaxFrameBytes}
}

// Format returns the active framing.
func (c *StreamCodec) Format() Format { return c.format }

// Upgrade switches the codec to TAK Protocol v1 framing. There is no
// downgrade: once upgraded, subsequent bytes follow the binary framing.
func (c *StreamCodec) Upgrade() { c.format = FormatTakV1 }

// ReadFrame reads one frame in the active format.
func (c *StreamCodec) ReadFrame(r *bufio.Reader) ([]byte, error) {
	if c.format == FormatTakV1 {
		return ReadStreamFrame(r, c.maxFrame)
	}
	return ReadXMLFrame(r, c.maxXML)
}

// WriteFrame writes one frame in the active format.
func (c *StreamCodec) WriteFrame(w io.Writer, payload []byte) error {
	if c.format == FormatTakV1 {
		return WriteStreamFrame(w, payload, c.maxFrame)
	}
	return WriteXMLFrame(w, payload, c.maxXML)
}

// ReadStreamFrame reads one TAK Protocol v1 streaming frame:
// 0xBF || varint(length) || payload. Empty frames are rejected; a length
// beyond maxFrame is rejected before any payload allocation.
func ReadStreamFrame(r *bufio.Reader, maxFrame int) ([]byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if header != HeaderByte {
		return nil, fmt.Errorf("wire: header byte 0x%02X: %w", header, errors.ErrMalformedHeader)
	}

	length, err := ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("wire: empty frame: %w", errors.ErrMalformedHeader)
	}
	if length > uint64(maxFrame) {
		size := maxFrame + 1
		if length < uint64(1<<31) {
			size = int(length)
		}
		return nil, frameTooLarge(size, maxFrame)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteStreamFrame writes one TAK Protocol v1 streaming frame.
func WriteStreamFrame(w io.Writer, payload []byte, maxFrame int) error {
	if len(payload) == 0 {
		return fmt.Errorf("wire: empty frame: %w", errors.ErrMalformedHeader)
	}
	if len(payload) > maxFrame {
		return frameTooLarge(len(payload), maxFrame)
	}

	// Header and payload go out in a single write.
	frame := AppendUvarint([]byte{HeaderByte}, uint64(len(payload)))
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

// EncodeMeshDatagram builds a TAK mesh datagram:
// 0xBF || varint(version) || payload. One datagram carries one frame.
func EncodeMeshDatagram(version uint64, payload []byte, maxFrame int) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("wire: empty frame: %w", errors.ErrMalformedHeader)
	}
	if len(payload) > maxFrame {
		return nil, frameTooLarge(len(payload), maxFrame)
	}
	out := AppendUvarint([]byte{HeaderByte}, version)
	return append(out, payload...), nil
}

// DecodeMeshDatagram splits a mesh datagram into protocol version and
// payload.
func DecodeMeshDatagram(datagram []byte, maxFrame int) (version uint64, payload []byte, err error) {
	if len(datagram) < 2 {
		return 0, nil, fmt.Errorf("wire: short datagram: %w", errors.ErrMalformedHeader)
	}
	if datagram[0] != HeaderByte {
		return 0, nil, fmt.Errorf("wire: header byte 0x%02X: %w", datagram[0], errors.ErrMalformedHeader)
	}

	r := &sliceByteReader{b: datagram[1:]}
	version, err = ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	payload = datagram[1+r.off:]
	if len(payload) == 0 {
		return 0, nil, fmt.Errorf("wire: empty frame: %w", errors.ErrMalformedHeader)
	}
	if len(payload) > maxFrame {
		return 0, nil, frameTooLarge(len(payload), maxFrame)
	}
	return version, payload, nil
}

type sliceByteReader struct {
	b   []byte
	off int
}

func (r *sliceByteReader) ReadByte() (byte, error) {
	if r.off >= len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	c := r.b[r.off]
	r.off++
	return c, nil
}
