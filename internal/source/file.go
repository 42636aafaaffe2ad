package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is a random-access source backed by a local file.
type File struct {
	path string
	f    *os.File
}

// NewFile opens path for reading. A missing file surfaces as an error
// wrapping os.ErrNotExist.
func NewFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("open source %s: is a directory", path)
	}

	return &File{path: path, f: f}, nil
}

func (s *File) Path() string {
	return s.path
}

func (s *File) Stat() (Info, error) {
	st, err := os.Stat(s.path)
	if err != nil {
		return Info{}, fmt.Errorf("stat source: %w", err)
	}
	return Info{Name: filepath.Base(s.path), Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (s *File) Open(offset int64) (io.Reader, error) {
	info, err := s.Stat()
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > info.Size {
		return nil, fmt.Errorf("open source at %d: offset out of range", offset)
	}
	return io.NewSectionReader(s.f, offset, info.Size-offset), nil
}

func (s *File) ReaderAt() (io.ReaderAt, bool) {
	return s.f, true
}

func (s *File) Resettable() bool {
	return true
}

func (s *File) Close() error {
	return s.f.Close()
}
