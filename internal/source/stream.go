package source

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Stream wraps an io.Reader whose length is captured once. It is forward-only
// unless the reader is also an io.Seeker.
type Stream struct {
	mu     sync.Mutex
	r      io.Reader
	seeker io.Seeker
	name   string
	base   int64
	size   int64
	pos    int64
	closed bool
}

// NewStream wraps r. A negative size is resolved by seeking to the end when r
// is an io.Seeker; otherwise ErrUnknownSize is returned.
func NewStream(r io.Reader, size int64) (*Stream, error) {
	s := &Stream{r: r, size: size}
	if sk, ok := r.(io.Seeker); ok {
		// pipes implement Seek but fail on it
		if cur, err := sk.Seek(0, io.SeekCurrent); err == nil {
			s.seeker = sk
			s.base = cur
		}
	}

	if size < 0 && s.seeker == nil {
		return nil, ErrUnknownSize
	}

	if s.seeker != nil {
		cur := s.base

		if size < 0 {
			end, err := s.seeker.Seek(0, io.SeekEnd)
			if err != nil {
				return nil, fmt.Errorf("measure stream: %w", err)
			}
			if _, err := s.seeker.Seek(cur, io.SeekStart); err != nil {
				return nil, fmt.Errorf("measure stream: %w", err)
			}
			s.size = end - cur
		}
	}

	return s, nil
}

// NewBytes returns a random-access source over b.
func NewBytes(b []byte) *Stream {
	s, _ := NewStream(bytes.NewReader(b), int64(len(b)))
	return s
}

// Named sets the name reported by Stat.
func (s *Stream) Named(name string) *Stream {
	s.name = name
	return s
}

func (s *Stream) Stat() (Info, error) {
	return Info{Name: s.name, Size: s.size}, nil
}

func (s *Stream) Open(offset int64) (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if offset < 0 || offset > s.size {
		return nil, fmt.Errorf("open stream at %d: offset out of range", offset)
	}

	if offset != s.pos {
		if s.seeker == nil {
			return nil, fmt.Errorf("open stream at %d (position %d): %w", offset, s.pos, ErrNotResettable)
		}
		if _, err := s.seeker.Seek(s.base+offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek stream: %w", err)
		}
		s.pos = offset
	}

	return &streamReader{s: s, remain: s.size - offset}, nil
}

func (s *Stream) ReaderAt() (io.ReaderAt, bool) {
	ra, ok := s.r.(io.ReaderAt)
	if !ok || s.seeker == nil || s.base != 0 {
		return nil, false
	}
	return ra, true
}

func (s *Stream) Resettable() bool {
	return s.seeker != nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// streamReader advances the owning stream's position as bytes are consumed
// and stops at the captured size.
type streamReader struct {
	s      *Stream
	remain int64
}

func (r *streamReader) Read(p []byte) (int, error) {
	if r.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remain {
		p = p[:r.remain]
	}

	r.s.mu.Lock()
	if r.s.closed {
		r.s.mu.Unlock()
		return 0, ErrClosed
	}
	n, err := r.s.r.Read(p)
	r.s.pos += int64(n)
	r.s.mu.Unlock()

	r.remain -= int64(n)
	if err == io.EOF && r.remain > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}
