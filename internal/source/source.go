// Package source gives the transfer engine uniform access to upload content,
// whether it lives in a local file, in memory, or behind a forward-only
// stream.
//
// A Source reports its length once at construction (streams) or on every
// Stat (files, so mutation between attempts can be detected). Sources that
// can be re-read from an arbitrary offset are Resettable; only those allow a
// transfer to be paused. Sources that also expose io.ReaderAt allow parts to
// be read concurrently.
package source

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrNotResettable is returned when a forward-only source is asked to
	// read from an offset other than its current position.
	ErrNotResettable = errors.New("source cannot be re-read")

	// ErrUnknownSize is returned for a stream whose length cannot be
	// determined.
	ErrUnknownSize = errors.New("source size unknown")

	ErrClosed = errors.New("source closed")
)

// Info describes the content at the time of the call.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Changed reports whether the content described by b differs in size or
// modification time from a.
func Changed(a, b Info) bool {
	return a.Size != b.Size || !a.ModTime.Equal(b.ModTime)
}

type Source interface {
	Stat() (Info, error)

	// Open returns a reader positioned at offset and reading to the end.
	Open(offset int64) (io.Reader, error)

	// ReaderAt returns a random-access view when the source supports one.
	ReaderAt() (io.ReaderAt, bool)

	// Resettable reports whether Open accepts offsets other than the
	// current read position.
	Resettable() bool

	Close() error
}
