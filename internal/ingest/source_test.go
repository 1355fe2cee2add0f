package ingest

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainCSV = "id,city\n1,Zürich\n2,Praha\n"

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func snappied(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	sw := snappy.NewBufferedWriter(&buf)
	_, err := sw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, sw.Close())
	return buf.Bytes()
}

func readStream(t *testing.T, src Source, enc string) (string, *Stream) {
	t.Helper()
	s, err := OpenSource(src, enc)
	require.NoError(t, err)
	defer s.Close()
	b, err := io.ReadAll(s)
	require.NoError(t, err)
	return string(b), s
}

func TestOpenSourceCompression(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Compression
	}{
		{"plain", []byte(plainCSV), CompressionNone},
		{"gzip", gzipped(t, plainCSV), CompressionGzip},
		{"snappy", snappied(t, plainCSV), CompressionSnappy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, s := readStream(t, NewBytesSource("data", tt.data), "")
			assert.Equal(t, plainCSV, got)
			assert.Equal(t, tt.want, s.Compression)
			assert.Equal(t, int64(len(tt.data)), s.RawBytes(), "progress counts raw bytes")
		})
	}
}

func TestDetectCompression(t *testing.T) {
	assert.Equal(t, CompressionBzip2, DetectCompression([]byte("BZh91AY")))
	assert.Equal(t, CompressionNone, DetectCompression([]byte{0x1f}))
	assert.Equal(t, CompressionNone, DetectCompression(nil))
}

func TestOpenSourceEncoding(t *testing.T) {
	// "café" in windows-1252
	latin := []byte{'c', 'a', 'f', 0xE9, ',', '1', '\n'}

	got, s := readStream(t, NewBytesSource("latin", latin), "windows-1252")
	assert.Equal(t, "café,1\n", got)
	assert.Equal(t, "windows-1252", s.Encoding)

	// the same bytes read as UTF-8 are sanitized, not rejected
	got, _ = readStream(t, NewBytesSource("latin", latin), "")
	assert.Equal(t, "caf?,1\n", got)

	_, err := OpenSource(NewBytesSource("x", nil), "klingon")
	assert.ErrorIs(t, err, ErrUnknownEncoding)
}

func TestOpenSourceBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, plainCSV...)
	got, _ := readStream(t, NewBytesSource("bom", data), "utf-8")
	assert.Equal(t, plainCSV, got)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cities.csv.gz")
	require.NoError(t, os.WriteFile(path, gzipped(t, plainCSV), 0o600))

	src := FileSource{Path: path}
	assert.Equal(t, "cities.csv.gz", src.Name())
	assert.Positive(t, src.Size())

	got, _ := readStream(t, src, "")
	assert.Equal(t, plainCSV, got)

	_, err := OpenSource(FileSource{Path: filepath.Join(t.TempDir(), "missing.csv")}, "")
	var se *SourceError
	assert.ErrorAs(t, err, &se)
}
