package checksum

import (
	"context"
	"io"

	"github.com/dmitrijs2005/gophtransfer/internal/source"
)

// Background hashes a random-access source on its own goroutine so the full
// content checksum is ready when the last part lands. The result is only
// trusted for the source state captured when hashing started.
type Background struct {
	snapshot source.Info
	cancel   context.CancelFunc
	done     chan struct{}
	digest   Digest
	err      error
}

// StartBackground begins hashing the first info.Size bytes of ra.
func StartBackground(ctx context.Context, ra io.ReaderAt, info source.Info) *Background {
	ctx, cancel := context.WithCancel(ctx)
	b := &Background{snapshot: info, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(b.done)
		b.digest, b.err = Compute(ctx, io.NewSectionReader(ra, 0, info.Size))
	}()

	return b
}

// Wait blocks until hashing finishes or ctx ends.
func (b *Background) Wait(ctx context.Context) (Digest, error) {
	select {
	case <-b.done:
		return b.digest, b.err
	case <-ctx.Done():
		return Digest{}, ctx.Err()
	}
}

// Valid reports whether the digest still describes a source now in state
// current.
func (b *Background) Valid(current source.Info) bool {
	return !source.Changed(b.snapshot, current)
}

// Stop abandons hashing.
func (b *Background) Stop() {
	b.cancel()
}
