package ingest

// streaming.go holds the byte-level readers that sit between a source and the
// RowReader. Each works in O(buffer) memory:
//
//   - utf8Sanitizer: replaces invalid UTF-8 bytes with '?'
//   - bomSkipper: drops a leading UTF-8 byte order mark
//   - CountingReader: counts raw bytes for progress reporting

import (
	"bufio"
	"bytes"
	"io"
	"sync/atomic"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// utf8Sanitizer rewrites invalid UTF-8 in place. A multi-byte sequence split
// across two reads is carried over to the next call.
type utf8Sanitizer struct {
	r     io.Reader
	carry []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{r: r, carry: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) < utf8.UTFMax {
		// too small to hold a carried sequence plus progress
		buf := make([]byte, utf8.UTFMax)
		n, err := s.Read(buf)
		copied := copy(p, buf[:n])
		if copied < n {
			s.carry = append(append([]byte(nil), buf[copied:n]...), s.carry...)
		}
		return copied, err
	}

	off := copy(p, s.carry)
	s.carry = s.carry[:0]

	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}
	atEOF := err == io.EOF
	return s.sanitize(p[:n], atEOF), err
}

func (s *utf8Sanitizer) sanitize(data []byte, atEOF bool) int {
	if asciiOnly(data) {
		return len(data)
	}
	w := 0
	for i := 0; i < len(data); {
		if data[i] < utf8.RuneSelf {
			data[w] = data[i]
			w++
			i++
			continue
		}
		if !atEOF && !utf8.FullRune(data[i:]) {
			s.carry = append(s.carry, data[i:]...)
			return w
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			i++
			continue
		}
		copy(data[w:], data[i:i+size])
		w += size
		i += size
	}
	return w
}

func asciiOnly(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// bomSkipper drops a UTF-8 byte order mark at the start of the stream.
type bomSkipper struct {
	br      *bufio.Reader
	checked bool
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{br: bufio.NewReader(r)}
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head, err := b.br.Peek(len(utf8BOM))
		if err != nil && err != io.EOF {
			return 0, err
		}
		if bytes.Equal(head, utf8BOM) {
			if _, err := b.br.Discard(len(utf8BOM)); err != nil {
				return 0, err
			}
		}
	}
	return b.br.Read(p)
}

// CountingReader counts the bytes read through it. Count is safe to call
// from other goroutines.
type CountingReader struct {
	r io.Reader
	n atomic.Int64
}

func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns the bytes read so far.
func (c *CountingReader) Count() int64 { return c.n.Load() }
