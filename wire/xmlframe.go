package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/Al2800/takrust/errors"
)

// ReadXMLFrame scans the stream for one complete <event> element,
// tolerating inter-event whitespace. The scanner never buffers more than
// maxScan bytes; a frame that has not closed by then fails with the frame
// size limit. The returned bytes span exactly the root element.
func ReadXMLFrame(r *bufio.Reader, maxScan int) ([]byte, error) {
	if err := skipInterEventWhitespace(r); err != nil {
		return nil, err
	}

	s := xmlScanner{r: r, maxScan: maxScan}
	return s.scanElement()
}

// WriteXMLFrame writes one XML frame followed by a newline separator.
func WriteXMLFrame(w io.Writer, payload []byte, maxScan int) error {
	if len(payload) == 0 {
		return fmt.Errorf("wire: empty frame: %w", errors.ErrMalformedHeader)
	}
	if len(payload) > maxScan {
		return frameTooLarge(len(payload), maxScan)
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write([]byte{'\n'})
	return err
}

func skipInterEventWhitespace(r *bufio.Reader) error {
	for {
		c, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return r.UnreadByte()
		}
	}
}

// xmlScanner walks one root element byte-by-byte, tracking tag depth and
// quoting. It does not validate XML beyond what framing needs; the codec
// layer re-parses the frame.
type xmlScanner struct {
	r       *bufio.Reader
	maxScan int
	buf     bytes.Buffer
}

func (s *xmlScanner) next() (byte, error) {
	if s.buf.Len() >= s.maxScan {
		return 0, frameTooLarge(s.buf.Len()+1, s.maxScan)
	}
	c, err := s.r.ReadByte()
	if err != nil {
		return 0, err
	}
	s.buf.WriteByte(c)
	return c, nil
}

func (s *xmlScanner) scanElement() ([]byte, error) {
	c, err := s.next()
	if err != nil {
		return nil, err
	}
	if c != '<' {
		return nil, fmt.Errorf("wire: expected element start, got 0x%02X: %w", c, errors.ErrMalformedHeader)
	}

	depth := 0
	for {
		open, selfClosing, err := s.scanTag()
		if err != nil {
			return nil, err
		}
		switch {
		case selfClosing:
			// no depth change
		case open:
			depth++
		default:
			depth--
		}
		if depth <= 0 {
			return append([]byte(nil), s.buf.Bytes()...), nil
		}

		// Consume content until the next tag.
		for {
			c, err := s.next()
			if err != nil {
				return nil, err
			}
			if c == '<' {
				break
			}
		}
	}
}

// scanTag consumes one tag beginning just after '<'. It reports whether
// the tag opens a new element and whether it is self-closing. Quoted
// attribute values may contain angle brackets.
func (s *xmlScanner) scanTag() (open, selfClosing bool, err error) {
	first, err := s.next()
	if err != nil {
		return false, false, err
	}

	closing := first == '/'
	var quote byte
	prev := first
	for {
		c, err := s.next()
		if err != nil {
			return false, false, err
		}
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			prev = c
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '>':
			if closing {
				return false, false, nil
			}
			if prev == '/' || first == '?' || first == '!' {
				// Self-closing element, processing instruction, or
				// comment/doctype: no depth change.
				return false, true, nil
			}
			return true, false, nil
		}
		prev = c
	}
}
