package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/gophtransfer/internal/checksum"
	"github.com/dmitrijs2005/gophtransfer/internal/common"
	"github.com/dmitrijs2005/gophtransfer/internal/logging"
	"github.com/dmitrijs2005/gophtransfer/internal/models"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
)

// Mode selects where downloaded bytes go.
type Mode int

const (
	// ModeFile writes the object to LocalPath, resuming a partial file.
	ModeFile Mode = iota
	// ModeStream hands the live response body to the caller.
	ModeStream
)

// DownloadRequest names the object to fetch and where to put it.
type DownloadRequest struct {
	Key       string
	LocalPath string
	Version   string
	Mode      Mode
	// Verify overrides Settings.VerifyDownload when set.
	Verify *bool
}

// DownloadResult describes the fetched object. Stream is set only in
// ModeStream and must be closed by the caller.
type DownloadResult struct {
	Key         string
	LocalPath   string
	Size        int64
	ETag        string
	CRC64       string
	ContentType string
	Metadata    map[string]string
	// Stream is the live body in ModeStream. The caller closes it.
	Stream io.ReadCloser
}

func (r *DownloadResult) RemoteKey() string {
	return r.Key
}

type downloadStrategy struct {
	e   *Engine
	req DownloadRequest
	log logging.Logger

	recordKey models.RecordKey
	info      remote.FileInfo
	offset    int64
	body      io.ReadCloser
}

func newDownloadStrategy(e *Engine, req DownloadRequest, log logging.Logger) *downloadStrategy {
	return &downloadStrategy{
		e:         e,
		req:       req,
		log:       log,
		recordKey: models.RecordKey{Key: req.Key, Local: req.LocalPath, Version: req.Version},
	}
}

func (s *downloadStrategy) Interruptible() bool {
	return true
}

func (s *downloadStrategy) Check(ctx context.Context) error {
	s.closeBody()

	if s.req.Key == "" {
		return newError(KindInvalidArgument, errors.New("download key is required"))
	}
	if s.req.Mode == ModeFile && s.req.LocalPath == "" {
		return newError(KindInvalidArgument, errors.New("download path is required"))
	}

	fi, err := s.e.meta.GetFileInfo(ctx, s.req.Key)
	if err != nil {
		return err
	}
	s.info = fi
	s.offset = 0

	if s.req.Mode == ModeStream {
		return nil
	}
	return s.checkPartial(ctx)
}

// checkPartial decides where the file resumes and records the fingerprint
// of the object before any byte is written.
func (s *downloadStrategy) checkPartial(ctx context.Context) error {
	rec, err := s.e.downloads.Get(ctx, s.recordKey)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("load download record: %w", err)
	}

	fi := s.info
	if rec != nil && rec.Matches(fi.CreationTime, fi.ETag, fi.CRC64) {
		if st, err := os.Stat(s.req.LocalPath); err == nil && st.Size() <= fi.Size {
			s.offset = st.Size()
		}
	} else {
		if rec != nil {
			s.log.Warn(ctx, "remote object changed since partial download, restarting", "record", s.recordKey.String())
		}
		if err := removeFile(s.req.LocalPath); err != nil {
			return err
		}
	}

	err = s.e.downloads.Put(ctx, &models.DownloadRecord{
		RecordKey:    s.recordKey,
		CreationTime: fi.CreationTime,
		ETag:         fi.ETag,
		CRC64:        fi.CRC64,
		Size:         fi.Size,
	})
	if err != nil {
		return fmt.Errorf("persist download record: %w", err)
	}

	if s.offset > 0 {
		s.log.Info(ctx, "resuming partial download", "offset", s.offset)
	}
	return nil
}

func (s *downloadStrategy) Execute(ctx context.Context, p Progress) error {
	p.SetTotal(s.info.Size)
	if s.req.Mode == ModeStream {
		return s.openStream(ctx)
	}
	return s.downloadFile(ctx, p)
}

// openStream starts the GET on a context that outlives the run, so the body
// stays readable after the task completes. Until then the run's
// cancellation still aborts it.
func (s *downloadStrategy) openStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	obj, err := s.e.store.RangedGet(streamCtx, s.info.AccessURL, 0)
	if err != nil {
		stop()
		cancel()
		return err
	}
	s.body = &streamBody{ReadCloser: obj.Body, stop: stop, cancel: cancel}
	return nil
}

type streamBody struct {
	io.ReadCloser
	stop   func() bool
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.stop()
	b.cancel()
	return err
}

func (s *downloadStrategy) downloadFile(ctx context.Context, p Progress) error {
	size := s.info.Size
	p.Set(s.offset)

	if err := os.MkdirAll(filepath.Dir(s.req.LocalPath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(s.req.LocalPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer f.Close()

	if s.offset == size {
		s.log.Debug(ctx, "partial file already complete")
		return f.Truncate(size)
	}

	obj, err := s.e.store.RangedGet(ctx, s.info.AccessURL, s.offset)
	if errors.Is(err, remote.ErrInvalidRange) && s.offset > 0 {
		s.log.Warn(ctx, "range rejected, restarting from zero", "offset", s.offset)
		s.offset = 0
		p.Set(0)
		obj, err = s.e.store.RangedGet(ctx, s.info.AccessURL, 0)
	}
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	if s.offset > 0 && !obj.Partial {
		s.log.Warn(ctx, "server ignored the range, restarting from zero", "offset", s.offset)
		s.offset = 0
		p.Set(0)
	}

	if obj.ETag != "" && s.info.ETag != "" && !sameETag(obj.ETag, s.info.ETag) {
		return newError(KindIntegrity, fmt.Errorf("object changed during download (etag %s, expected %s): %w", obj.ETag, s.info.ETag, checksum.ErrMismatch))
	}

	if err := f.Truncate(s.offset); err != nil {
		return fmt.Errorf("truncate destination: %w", err)
	}
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek destination: %w", err)
	}

	n, err := io.Copy(f, newProgressReader(ctx, obj.Body, p.Add))
	if syncErr := f.Sync(); syncErr != nil && err == nil {
		err = fmt.Errorf("sync destination: %w", syncErr)
	}
	if err != nil {
		return err
	}

	if got := s.offset + n; got != size {
		return fmt.Errorf("received %d of %d bytes: %w", got, size, io.ErrUnexpectedEOF)
	}
	return f.Close()
}

func (s *downloadStrategy) Finalize(ctx context.Context) (Result, error) {
	res := &DownloadResult{
		Key:         s.info.Key,
		LocalPath:   s.req.LocalPath,
		Size:        s.info.Size,
		ETag:        s.info.ETag,
		CRC64:       s.info.CRC64,
		ContentType: s.info.ContentType,
		Metadata:    s.info.Metadata,
	}
	if res.Key == "" {
		res.Key = s.req.Key
	}

	if s.req.Mode == ModeStream {
		res.Stream = s.body
		s.body = nil
		return res, nil
	}

	if s.verify() && s.info.CRC64 != "" {
		if err := s.verifyFile(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.e.downloads.Delete(ctx, s.recordKey); err != nil {
		s.log.Warn(ctx, "delete download record failed", "error", err)
	}
	return res, nil
}

func (s *downloadStrategy) verify() bool {
	if s.req.Verify != nil {
		return *s.req.Verify
	}
	return s.e.settings.VerifyDownload
}

func (s *downloadStrategy) verifyFile(ctx context.Context) error {
	f, err := os.Open(s.req.LocalPath)
	if err != nil {
		return fmt.Errorf("open downloaded file: %w", err)
	}
	defer f.Close()

	d, err := checksum.Compute(ctx, f)
	if err != nil {
		return err
	}
	if !checksum.EqualCRC64(d.CRC64String(), s.info.CRC64) {
		return newError(KindIntegrity, fmt.Errorf("local crc64 %s, remote %s: %w", d.CRC64String(), s.info.CRC64, checksum.ErrMismatch))
	}
	s.log.Debug(ctx, "download verified", "crc64", s.info.CRC64)
	return nil
}

func (s *downloadStrategy) Discard(ctx context.Context) error {
	s.closeBody()
	if s.req.Mode == ModeStream {
		return nil
	}

	var errs []error
	if err := removeFile(s.req.LocalPath); err != nil {
		errs = append(errs, err)
	}
	if err := s.e.downloads.Delete(ctx, s.recordKey); err != nil {
		errs = append(errs, fmt.Errorf("delete download record: %w", err))
	}
	s.offset = 0
	return errors.Join(errs...)
}

func (s *downloadStrategy) closeBody() {
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}

func sameETag(a, b string) bool {
	return strings.Trim(a, `"`) == strings.Trim(b, `"`)
}
