package transfer

import (
	"context"
	"io"
)

// progressReader reports every read to add and stops with ctx's error once
// ctx is done, so a blocked copy loop notices cancellation between reads.
type progressReader struct {
	ctx context.Context
	r   io.Reader
	add func(int64)
}

func newProgressReader(ctx context.Context, r io.Reader, add func(int64)) *progressReader {
	return &progressReader{ctx: ctx, r: r, add: add}
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 && p.add != nil {
		p.add(int64(n))
	}
	return n, err
}
