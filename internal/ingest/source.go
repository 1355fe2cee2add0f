package ingest

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Source is a restartable input. Open is called once per pipeline pass.
type Source interface {
	Open() (io.ReadCloser, error)
	// Size is the raw size in bytes, 0 if unknown.
	Size() int64
	Name() string
}

// FileSource reads a file on disk.
type FileSource struct {
	Path string
}

func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

func (f FileSource) Size() int64 {
	fi, err := os.Stat(f.Path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (f FileSource) Name() string { return filepath.Base(f.Path) }

// BytesSource serves an in-memory buffer.
type BytesSource struct {
	name string
	data []byte
}

func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{name: name, data: data}
}

func (b *BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *BytesSource) Size() int64  { return int64(len(b.data)) }
func (b *BytesSource) Name() string { return b.name }

// Compression is the container format detected at the start of a source.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionBzip2
	CompressionSnappy
)

func (c Compression) String() string {
	return [...]string{"none", "gzip", "bzip2", "snappy"}[c]
}

// https://en.wikipedia.org/wiki/List_of_file_signatures
var signatures = []struct {
	kind  Compression
	magic []byte
}{
	{CompressionGzip, []byte{0x1f, 0x8b}},
	{CompressionBzip2, []byte{0x42, 0x5A, 0x68}},
	// framed snappy starts with a stream identifier chunk
	{CompressionSnappy, []byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}},
}

// DetectCompression inspects the first bytes of a stream.
func DetectCompression(head []byte) Compression {
	for _, sig := range signatures {
		if bytes.HasPrefix(head, sig.magic) {
			return sig.kind
		}
	}
	return CompressionNone
}

// LookupEncoding resolves a WHATWG encoding label. Empty means UTF-8.
func LookupEncoding(label string) (encoding.Encoding, string, error) {
	if strings.TrimSpace(label) == "" {
		return unicode.UTF8, "utf-8", nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownEncoding, label)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(label)
	}
	return enc, name, nil
}

// Stream is a decoded view of a source: decompressed, converted to UTF-8,
// BOM stripped and sanitized. RawBytes reports progress through the
// undecoded input.
type Stream struct {
	r           io.Reader
	raw         *CountingReader
	closers     []io.Closer
	Compression Compression
	Encoding    string
}

// OpenSource opens src and builds the decode chain for the given encoding.
func OpenSource(src Source, encodingLabel string) (*Stream, error) {
	enc, name, err := LookupEncoding(encodingLabel)
	if err != nil {
		return nil, err
	}

	rc, err := src.Open()
	if err != nil {
		return nil, &SourceError{Op: "open " + src.Name(), Err: err}
	}
	s := &Stream{raw: NewCountingReader(rc), Encoding: name}
	s.closers = append(s.closers, rc)

	br := bufio.NewReaderSize(s.raw, 64*1024)
	head, err := br.Peek(16)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		s.Close()
		return nil, &SourceError{Op: "sniff", Err: err}
	}

	var r io.Reader = br
	s.Compression = DetectCompression(head)
	switch s.Compression {
	case CompressionGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			s.Close()
			return nil, &SourceError{Op: "gzip", Err: err}
		}
		s.closers = append(s.closers, gz)
		r = gz
	case CompressionBzip2:
		r = bzip2.NewReader(br)
	case CompressionSnappy:
		r = snappy.NewReader(br)
	}

	if name != "utf-8" {
		r = transform.NewReader(r, enc.NewDecoder())
	}
	s.r = newUTF8Sanitizer(newBOMSkipper(r))
	return s, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &SourceError{Op: "read", Err: err}
	}
	return n, err
}

// RawBytes returns the undecoded bytes consumed from the source.
func (s *Stream) RawBytes() int64 { return s.raw.Count() }

// Close closes the decoders and the source, innermost last.
func (s *Stream) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
