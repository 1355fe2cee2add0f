package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

// spoolSource is an upload copied to disk so both pipeline passes can read
// it from the start. Name reports the uploaded file name, which the default
// table name derives from.
type spoolSource struct {
	name string
	path string
	size int64
}

func (s *spoolSource) Open() (io.ReadCloser, error) { return os.Open(s.path) }
func (s *spoolSource) Size() int64                  { return s.size }
func (s *spoolSource) Name() string                 { return s.name }

func (s *spoolSource) remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var _ ingest.Source = (*spoolSource)(nil)

// spool copies r into dir, failing with ErrFileTooLarge past maxSize bytes
// and ErrEmptyFile for no bytes at all.
func spool(dir, name string, r io.Reader, maxSize int64) (*spoolSource, error) {
	f, err := os.CreateTemp(dir, "import-*.spool")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	src := &spoolSource{name: filepath.Base(name), path: f.Name()}

	n, err := io.Copy(f, io.LimitReader(r, maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		err = &ingest.SourceError{Op: "spool upload", Err: err}
	case n > maxSize:
		err = fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, maxSize)
	case n == 0:
		err = ErrEmptyFile
	}
	if err != nil {
		_ = src.remove()
		return nil, err
	}
	src.size = n
	return src, nil
}
