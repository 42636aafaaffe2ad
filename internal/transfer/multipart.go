package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/checksum"
	"github.com/dmitrijs2005/gophtransfer/internal/models"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
	"golang.org/x/sync/errgroup"
)

// multipartState is the in-memory view of one multipart session. It
// survives pause and resume within the process; after a restart it is
// rebuilt from the session's recorded parts.
type multipartState struct {
	confirmKey string
	partSize   int64
	size       int64
	parts      int

	mu     sync.Mutex
	window remote.SigningWindow
	done   map[int]string
}

func newMultipartState(confirmKey string, size, partSize int64) *multipartState {
	return &multipartState{
		confirmKey: confirmKey,
		partSize:   partSize,
		size:       size,
		parts:      partCount(size, partSize),
		done:       make(map[int]string),
	}
}

func partCount(size, partSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + partSize - 1) / partSize)
}

func (m *multipartState) offset(n int) int64 {
	return int64(n-1) * m.partSize
}

func (m *multipartState) partLen(n int) int64 {
	return min(m.partSize, m.size-m.offset(n))
}

func (m *multipartState) record(n int, etag string) {
	m.mu.Lock()
	m.done[n] = etag
	m.mu.Unlock()
}

func (m *multipartState) trusted(p remote.PartDescriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	etag, ok := m.done[p.PartNumber]
	return ok && etag == p.ETag
}

func (s *uploadStrategy) uploadMultipart(ctx context.Context, p Progress) error {
	listed, confirmed, err := s.openSession(ctx)
	if err != nil {
		return err
	}
	if confirmed {
		s.log.Info(ctx, "session already confirmed")
		p.Set(s.info.Size)
		return nil
	}

	if ra, ok := s.req.Source.ReaderAt(); ok {
		return s.uploadConcurrent(ctx, p, ra, listed)
	}
	return s.uploadSerial(ctx, p, listed)
}

// openSession creates a session, or lists the parts of the known one. A
// session the store no longer knows is replaced by a fresh one.
func (s *uploadStrategy) openSession(ctx context.Context) ([]remote.PartDescriptor, bool, error) {
	if s.confirmKey != "" {
		sp, err := s.e.store.ListParts(ctx, s.confirmKey)
		switch {
		case err == nil:
			if s.mp == nil || s.mp.confirmKey != s.confirmKey {
				s.mp = newMultipartState(s.confirmKey, s.info.Size, s.partSize)
			}
			return sp.Parts, sp.Confirmed, nil

		case errors.Is(err, remote.ErrSessionNotFound):
			s.log.Warn(ctx, "session expired on the store, starting a new one")
			s.forgetRecord(ctx)
			s.confirmKey = ""
			s.mp = nil

		default:
			return nil, false, err
		}
	}

	return nil, false, s.initSession(ctx)
}

func (s *uploadStrategy) initSession(ctx context.Context) error {
	parts := partCount(s.info.Size, s.partSize)
	sess, err := s.e.meta.InitMultipartUpload(ctx, s.req.Key, s.options(), remote.WindowFor(1, parts, s.e.settings.SigningWindow))
	if err != nil {
		return err
	}

	m := newMultipartState(sess.ConfirmKey, s.info.Size, s.partSize)
	m.window.Merge(sess.Window)
	s.mp = m
	s.confirmKey = sess.ConfirmKey

	if s.persist {
		rec := &models.UploadRecord{
			RecordKey:     s.recordKey,
			ConfirmKey:    sess.ConfirmKey,
			PartSize:      s.partSize,
			SourceSize:    s.info.Size,
			SourceModTime: s.info.ModTime,
		}
		if err := s.e.uploads.Put(ctx, rec); err != nil {
			return fmt.Errorf("persist upload record: %w", err)
		}
	}

	s.log.Info(ctx, "multipart session created", "parts", parts, "part_size", s.partSize)
	return nil
}

// contiguous returns the recorded parts that form the prefix 1..K with the
// expected sizes, in order.
func (m *multipartState) contiguous(listed []remote.PartDescriptor) []remote.PartDescriptor {
	sorted := append([]remote.PartDescriptor(nil), listed...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var prefix []remote.PartDescriptor
	for i, pd := range sorted {
		n := i + 1
		if pd.PartNumber != n || n > m.parts || pd.Size != m.partLen(n) {
			break
		}
		prefix = append(prefix, pd)
	}
	return prefix
}

func (s *uploadStrategy) uploadConcurrent(ctx context.Context, p Progress, ra io.ReaderAt, listed []remote.PartDescriptor) error {
	m := s.mp

	verified := 0
	buf := make([]byte, m.partSize)
	for _, pd := range m.contiguous(listed) {
		if !m.trusted(pd) {
			body := buf[:m.partLen(pd.PartNumber)]
			if _, err := ra.ReadAt(body, m.offset(pd.PartNumber)); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read part %d: %w", pd.PartNumber, err)
			}
			if !checksum.MatchETag(checksum.PartDigest(body), pd.ETag) {
				s.log.Debug(ctx, "recorded part differs from source", "part", pd.PartNumber)
				break
			}
		}
		verified = pd.PartNumber
	}

	m.mu.Lock()
	for n := range m.done {
		if n > verified {
			delete(m.done, n)
		}
	}
	for _, pd := range listed {
		if pd.PartNumber <= verified {
			m.done[pd.PartNumber] = pd.ETag
		}
	}
	m.mu.Unlock()

	p.Set(min(int64(verified)*m.partSize, s.info.Size))
	s.log.Debug(ctx, "resuming after verified parts", "verified", verified, "parts", m.parts)

	if s.bg == nil && s.digest == nil && s.info.Size >= s.e.settings.BackgroundChecksumThreshold {
		s.bg = checksum.StartBackground(context.WithoutCancel(ctx), ra, s.info)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.e.settings.Concurrency)

	var remaining atomic.Int64
	var failed atomic.Bool
	remaining.Store(int64(m.parts - verified))

	for n := verified + 1; n <= m.parts; n++ {
		if failed.Load() || gctx.Err() != nil {
			break
		}

		off, size := m.offset(n), m.partLen(n)
		g.Go(func() error {
			// queued before the failure landed
			if failed.Load() || gctx.Err() != nil {
				return nil
			}

			open := func() io.Reader { return io.NewSectionReader(ra, off, size) }
			etag, err := s.putPart(gctx, p, n, open, size)
			if err != nil {
				// only the first failure is reported
				if failed.CompareAndSwap(false, true) {
					return err
				}
				return nil
			}
			if failed.Load() {
				return nil
			}
			m.record(n, etag)
			remaining.Add(-1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if left := remaining.Load(); left != 0 {
		return fmt.Errorf("%d parts not uploaded", left)
	}
	return nil
}

// uploadSerial reads the source once, front to back, verifying the recorded
// prefix and uploading the rest. The first part that fails verification is
// already read and is uploaded from memory.
func (s *uploadStrategy) uploadSerial(ctx context.Context, p Progress, listed []remote.PartDescriptor) error {
	m := s.mp

	r, err := s.req.Source.Open(0)
	if err != nil {
		return err
	}
	h := checksum.NewHasher()

	next := func(n int) ([]byte, error) {
		body := make([]byte, m.partLen(n))
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("read part %d: %w", n, err)
		}
		h.Write(body)
		return body, nil
	}

	p.Set(0)
	n := 1
	var pending []byte
	for _, pd := range m.contiguous(listed) {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := next(pd.PartNumber)
		if err != nil {
			return err
		}
		if !checksum.MatchETag(checksum.PartDigest(body), pd.ETag) {
			s.log.Debug(ctx, "recorded part differs from source", "part", pd.PartNumber)
			pending = body
			break
		}
		m.record(pd.PartNumber, pd.ETag)
		p.Add(int64(len(body)))
		n++
	}

	for ; n <= m.parts; n++ {
		body := pending
		pending = nil
		if body == nil {
			if body, err = next(n); err != nil {
				return err
			}
		}

		etag, err := s.putPart(ctx, p, n, func() io.Reader { return bytes.NewReader(body) }, int64(len(body)))
		if err != nil {
			return err
		}
		m.record(n, etag)
	}

	d := h.Sum()
	s.digest = &d
	return nil
}

// putPart uploads part n, renewing its signature when it is about to
// expire. A rejection for an expired signature is retried once with a
// fresh signature. Progress for a failed attempt is rolled back.
func (s *uploadStrategy) putPart(ctx context.Context, p Progress, n int, open func() io.Reader, size int64) (string, error) {
	var sent int64
	add := func(k int64) {
		sent += k
		p.Add(k)
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		sp, err := s.signature(ctx, n, attempt > 0)
		if err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		etag, err := s.e.store.UploadPart(ctx, sp, newProgressReader(ctx, open(), add), size)
		if err == nil {
			s.log.Debug(ctx, "part uploaded", "part", n, "etag", etag)
			return etag, nil
		}

		p.Add(-sent)
		sent = 0
		if attempt == 0 && errors.Is(err, remote.ErrSignatureExpired) && ctx.Err() == nil {
			s.log.Warn(ctx, "part signature expired, renewing", "part", n)
			continue
		}
		return "", err
	}
}

// signature returns a signature for part n with at least the renew margin
// left, asking the store for a new window when needed.
func (s *uploadStrategy) signature(ctx context.Context, n int, force bool) (remote.SignedPart, error) {
	m := s.mp
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.window.Lookup(n)
	if ok && !force && (sp.Expires.IsZero() || time.Until(sp.Expires) > s.e.settings.RenewMargin) {
		return sp, nil
	}

	rng := remote.WindowFor(n, m.parts, s.e.settings.SigningWindow)
	w, err := s.e.store.RenewSigningWindow(ctx, m.confirmKey, rng)
	if err != nil {
		return remote.SignedPart{}, err
	}
	m.window.Merge(w)
	s.log.Debug(ctx, "signing window renewed", "range", rng.String())

	sp, ok = m.window.Lookup(n)
	if !ok {
		return remote.SignedPart{}, fmt.Errorf("no signature for part %d: %w", n, remote.ErrInvalidArgument)
	}
	return sp, nil
}
