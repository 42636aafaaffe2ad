package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophtransfer/internal/checksum"
	"github.com/dmitrijs2005/gophtransfer/internal/common"
	"github.com/dmitrijs2005/gophtransfer/internal/logging"
	"github.com/dmitrijs2005/gophtransfer/internal/models"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
	"github.com/dmitrijs2005/gophtransfer/internal/source"
	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// UploadRequest describes one upload. LocalPath and Version form, with Key,
// the natural key of the persisted session record; without a LocalPath
// nothing is persisted and the upload resumes only within this process.
type UploadRequest struct {
	Key         string
	Source      source.Source
	LocalPath   string
	Version     string
	Metadata    map[string]string
	Conflict    remote.ConflictPolicy
	ConfirmKey  string
	ContentType string
}

// UploadResult describes the committed object.
type UploadResult struct {
	Key          string
	Size         int64
	ETag         string
	CRC64        string
	ContentType  string
	CreationTime string
	Metadata     map[string]string
	// Quick is set when no content bytes were transferred.
	Quick      bool
	ConfirmKey string
}

func (r *UploadResult) RemoteKey() string {
	return r.Key
}

func newUploadResult(obj remote.CommittedObject, confirmKey string) *UploadResult {
	return &UploadResult{
		Key:          obj.Key,
		Size:         obj.Size,
		ETag:         obj.ETag,
		CRC64:        obj.CRC64,
		ContentType:  obj.ContentType,
		CreationTime: obj.CreationTime,
		Metadata:     obj.Metadata,
		Quick:        obj.Quick,
		ConfirmKey:   confirmKey,
	}
}

type uploadStrategy struct {
	e   *Engine
	req UploadRequest
	log logging.Logger

	recordKey models.RecordKey
	persist   bool

	info        source.Info
	checked     bool
	contentType string
	partSize    int64

	// confirmKey is the session being uploaded to, empty before init.
	confirmKey string

	// satisfied is set when the remote already holds the content.
	satisfied *UploadResult

	// digest is the full-content checksum when it is already known.
	digest *checksum.Digest
	bg     *checksum.Background
	mp     *multipartState
}

func newUploadStrategy(e *Engine, req UploadRequest, log logging.Logger) *uploadStrategy {
	return &uploadStrategy{
		e:         e,
		req:       req,
		log:       log,
		recordKey: models.RecordKey{Key: req.Key, Local: req.LocalPath, Version: req.Version},
		persist:   req.LocalPath != "",
	}
}

func (s *uploadStrategy) Interruptible() bool {
	return s.req.Source != nil && s.req.Source.Resettable()
}

func (s *uploadStrategy) Check(ctx context.Context) error {
	if s.req.Key == "" {
		return newError(KindInvalidArgument, errors.New("upload key is required"))
	}
	if s.req.Source == nil {
		return newError(KindInvalidArgument, errors.New("upload source is required"))
	}

	info, err := s.req.Source.Stat()
	if err != nil {
		return err
	}
	if s.checked && source.Changed(s.info, info) {
		s.log.Warn(ctx, "source changed since last run, starting over", "size", info.Size)
		s.reset(ctx)
	}
	s.info = info
	s.checked = true
	s.satisfied = nil

	if s.contentType == "" {
		s.contentType = s.detectContentType()
	}
	s.partSize = s.e.settings.partSizeFor(info.Size)

	s.confirmKey = s.req.ConfirmKey
	if s.confirmKey == "" && s.mp != nil {
		s.confirmKey = s.mp.confirmKey
	}
	if s.confirmKey == "" && s.persist {
		return s.loadRecord(ctx)
	}
	return nil
}

func (s *uploadStrategy) detectContentType() string {
	if s.req.ContentType != "" {
		return s.req.ContentType
	}
	if !s.req.Source.Resettable() {
		return defaultContentType
	}

	r, err := s.req.Source.Open(0)
	if err != nil {
		return defaultContentType
	}
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return defaultContentType
	}
	return mt.String()
}

// loadRecord picks up the session of an earlier process when the recorded
// fingerprint still describes the source.
func (s *uploadStrategy) loadRecord(ctx context.Context) error {
	rec, err := s.e.uploads.Get(ctx, s.recordKey)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load upload record: %w", err)
	}

	if rec.Matches(s.info.Size, s.info.ModTime, s.partSize) {
		s.log.Info(ctx, "resuming recorded session", "record", s.recordKey.String())
		s.confirmKey = rec.ConfirmKey
		return nil
	}

	s.log.Warn(ctx, "upload record is stale, discarding", "record", s.recordKey.String())
	if err := s.e.uploads.Delete(ctx, s.recordKey); err != nil {
		return fmt.Errorf("delete upload record: %w", err)
	}
	if err := s.e.store.Abort(ctx, rec.ConfirmKey); err != nil && !errors.Is(err, remote.ErrSessionNotFound) {
		s.log.Warn(ctx, "abort stale session failed", "error", err)
	}
	return nil
}

func (s *uploadStrategy) Execute(ctx context.Context, p Progress) error {
	p.SetTotal(s.info.Size)

	if s.confirmKey == "" {
		done, err := s.precheck(ctx)
		if err != nil {
			return err
		}
		if !done {
			if done, err = s.quickUpload(ctx); err != nil {
				return err
			}
		}
		if done {
			p.Set(s.info.Size)
			return nil
		}
	}

	if s.confirmKey != "" || s.info.Size >= s.e.settings.MultipartThreshold {
		return s.uploadMultipart(ctx, p)
	}
	return s.uploadSimple(ctx, p)
}

// precheck completes the upload without transfer when the object at the
// key already has the same size and CRC-64. Only sources cheap to hash up
// front take part.
func (s *uploadStrategy) precheck(ctx context.Context) (bool, error) {
	ra, ok := s.req.Source.ReaderAt()
	if !ok || s.info.Size == 0 || s.info.Size >= s.e.settings.BackgroundChecksumThreshold {
		return false, nil
	}

	if s.digest == nil {
		d, err := checksum.Compute(ctx, io.NewSectionReader(ra, 0, s.info.Size))
		if err != nil {
			return false, err
		}
		s.digest = &d
	}

	fi, err := s.e.meta.GetFileInfo(ctx, s.req.Key)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !errors.Is(err, remote.ErrNotFound) {
			s.log.Debug(ctx, "remote precheck failed", "error", err)
		}
		return false, nil
	}
	if fi.Size != s.info.Size || !checksum.EqualCRC64(fi.CRC64, s.digest.CRC64String()) {
		return false, nil
	}

	s.log.Info(ctx, "remote object already holds the content")
	s.satisfied = &UploadResult{
		Key:          fi.Key,
		Size:         fi.Size,
		ETag:         fi.ETag,
		CRC64:        fi.CRC64,
		ContentType:  fi.ContentType,
		CreationTime: fi.CreationTime,
		Metadata:     fi.Metadata,
		Quick:        true,
	}
	return true, nil
}

func (s *uploadStrategy) quickEligible() bool {
	st := s.e.settings
	return st.QuickUpload && s.info.Size > st.QuickUploadThreshold && s.req.Source.Resettable()
}

// quickUpload negotiates deduplication: the header hash first, the full
// digest only when the store reports a probable match. Negotiation failures
// fall back to a regular upload.
func (s *uploadStrategy) quickUpload(ctx context.Context) (bool, error) {
	if !s.quickEligible() {
		return false, nil
	}

	fallback := func(err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.log.Warn(ctx, "quick upload negotiation failed, uploading content", "error", err)
		return false, nil
	}

	header := ""
	if s.digest != nil {
		header = s.digest.HeaderHash
	} else {
		r, err := s.req.Source.Open(0)
		if err != nil {
			return fallback(err)
		}
		if header, err = checksum.HeaderHash(r); err != nil {
			return fallback(err)
		}
	}

	req := remote.QuickUploadRequest{Size: s.info.Size, HeaderHash: header, Options: s.options()}
	res, err := s.e.meta.QuickUpload(ctx, s.req.Key, req)
	if err != nil {
		return fallback(err)
	}

	if res.Status == remote.QuickProbable {
		if s.digest == nil {
			r, err := s.req.Source.Open(0)
			if err != nil {
				return fallback(err)
			}
			d, err := checksum.Compute(ctx, r)
			if err != nil {
				return fallback(err)
			}
			s.digest = &d
		}

		req.FullHash = s.digest.FullHash
		req.CRC64 = s.digest.CRC64String()
		if res, err = s.e.meta.QuickUpload(ctx, s.req.Key, req); err != nil {
			return fallback(err)
		}
	}

	if res.Status != remote.QuickMatched || res.Object == nil {
		s.log.Debug(ctx, "no quick upload match")
		return false, nil
	}

	s.log.Info(ctx, "quick upload matched existing content")
	s.satisfied = newUploadResult(*res.Object, "")
	s.satisfied.Quick = true
	return true, nil
}

func (s *uploadStrategy) uploadSimple(ctx context.Context, p Progress) error {
	target, err := s.e.meta.InitUpload(ctx, s.req.Key, s.options())
	if err != nil {
		return err
	}

	r, err := s.req.Source.Open(0)
	if err != nil {
		return err
	}

	h := checksum.NewHasher()
	p.Set(0)
	body := newProgressReader(ctx, io.TeeReader(r, h), p.Add)
	if _, err := s.e.store.Put(ctx, target, body, s.info.Size); err != nil {
		return err
	}

	d := h.Sum()
	if d.Size != s.info.Size {
		return newError(KindIntegrity, fmt.Errorf("source produced %d of %d bytes: %w", d.Size, s.info.Size, checksum.ErrMismatch))
	}

	s.digest = &d
	s.confirmKey = target.ConfirmKey
	return nil
}

func (s *uploadStrategy) Finalize(ctx context.Context) (Result, error) {
	if s.satisfied != nil {
		s.forgetRecord(ctx)
		return s.satisfied, nil
	}

	info, err := s.req.Source.Stat()
	if err != nil {
		return nil, err
	}
	if source.Changed(s.info, info) {
		return nil, newError(KindIntegrity, fmt.Errorf("source changed during upload: %w", checksum.ErrMismatch))
	}

	d, err := s.finalDigest(ctx, info)
	if err != nil {
		return nil, err
	}

	obj, err := s.e.meta.ConfirmUpload(ctx, s.confirmKey, remote.Checksums{
		CRC64:      d.CRC64String(),
		HeaderHash: d.HeaderHash,
		FullHash:   d.FullHash,
	})
	if err != nil {
		return nil, err
	}

	if obj.CRC64 != "" && !checksum.EqualCRC64(obj.CRC64, d.CRC64String()) {
		return nil, newError(KindIntegrity, fmt.Errorf("remote crc64 %s, local %s: %w", obj.CRC64, d.CRC64String(), checksum.ErrMismatch))
	}

	s.forgetRecord(ctx)
	s.stopBackground()
	s.log.Debug(ctx, "upload confirmed", "crc64", obj.CRC64, "etag", obj.ETag)
	return newUploadResult(obj, s.confirmKey), nil
}

// finalDigest returns the full-content checksum from the cheapest place it
// is available. A background result is used only while the source is still
// in state current.
func (s *uploadStrategy) finalDigest(ctx context.Context, current source.Info) (checksum.Digest, error) {
	if s.digest != nil {
		return *s.digest, nil
	}

	if s.bg != nil {
		d, err := s.bg.Wait(ctx)
		if err == nil && s.bg.Valid(current) {
			return d, nil
		}
		s.log.Warn(ctx, "background checksum unusable, recomputing", "error", err)
	}

	r, err := s.req.Source.Open(0)
	if err != nil {
		return checksum.Digest{}, err
	}
	d, err := checksum.Compute(ctx, r)
	if err != nil {
		return checksum.Digest{}, err
	}
	s.digest = &d
	return d, nil
}

func (s *uploadStrategy) Discard(ctx context.Context) error {
	s.stopBackground()

	key := s.confirmKey
	if key == "" && s.persist {
		if rec, err := s.e.uploads.Get(ctx, s.recordKey); err == nil {
			key = rec.ConfirmKey
		}
	}

	var errs []error
	if key != "" {
		if err := s.e.store.Abort(ctx, key); err != nil && !errors.Is(err, remote.ErrSessionNotFound) {
			errs = append(errs, fmt.Errorf("abort session: %w", err))
		}
	}
	if s.persist {
		if err := s.e.uploads.Delete(ctx, s.recordKey); err != nil {
			errs = append(errs, fmt.Errorf("delete upload record: %w", err))
		}
	}

	s.confirmKey = ""
	s.mp = nil
	s.digest = nil
	s.satisfied = nil
	return errors.Join(errs...)
}

// reset drops in-memory progress after the source changed between runs.
func (s *uploadStrategy) reset(ctx context.Context) {
	s.stopBackground()
	if s.mp != nil && s.req.ConfirmKey == "" {
		if err := s.e.store.Abort(ctx, s.mp.confirmKey); err != nil && !errors.Is(err, remote.ErrSessionNotFound) {
			s.log.Warn(ctx, "abort outdated session failed", "error", err)
		}
	}
	s.mp = nil
	s.digest = nil
	s.contentType = ""
}

func (s *uploadStrategy) forgetRecord(ctx context.Context) {
	if !s.persist {
		return
	}
	if err := s.e.uploads.Delete(ctx, s.recordKey); err != nil {
		s.log.Warn(ctx, "delete upload record failed", "error", err)
	}
}

func (s *uploadStrategy) stopBackground() {
	if s.bg != nil {
		s.bg.Stop()
		s.bg = nil
	}
}

func (s *uploadStrategy) options() remote.UploadOptions {
	return remote.UploadOptions{
		Metadata:    s.req.Metadata,
		Conflict:    s.req.Conflict,
		ContentType: s.contentType,
		Size:        s.info.Size,
	}
}
