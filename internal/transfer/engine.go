package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/common"
	"github.com/dmitrijs2005/gophtransfer/internal/logging"
	"github.com/dmitrijs2005/gophtransfer/internal/models"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
	"github.com/dmitrijs2005/gophtransfer/internal/repositories/downloads"
	"github.com/dmitrijs2005/gophtransfer/internal/repositories/uploads"
	"github.com/google/uuid"
)

// Settings tune how tasks move bytes.
type Settings struct {
	PartSize           int64
	MultipartThreshold int64
	Concurrency        int
	SigningWindow      int
	RenewMargin        time.Duration

	QuickUpload          bool
	QuickUploadThreshold int64

	// BackgroundChecksumThreshold is the source size from which the full
	// checksum is computed concurrently with the part uploads.
	BackgroundChecksumThreshold int64

	VerifyDownload bool
}

func DefaultSettings() Settings {
	return Settings{
		PartSize:                    8 * common.MiB,
		MultipartThreshold:          16 * common.MiB,
		Concurrency:                 2,
		SigningWindow:               remote.MaxSigningWindow,
		RenewMargin:                 time.Minute,
		QuickUpload:                 true,
		QuickUploadThreshold:        common.MiB,
		BackgroundChecksumThreshold: 64 * common.MiB,
		VerifyDownload:              true,
	}
}

// maxParts is the most parts one multipart session may hold.
const maxParts = 10000

// partSizeFor grows the configured part size when size would need more than
// maxParts parts.
func (s Settings) partSizeFor(size int64) int64 {
	ps := s.PartSize
	if size > ps*maxParts {
		ps = (size + maxParts - 1) / maxParts
		ps = (ps + common.MiB - 1) / common.MiB * common.MiB
	}
	return ps
}

// Engine builds upload and download tasks. It is a factory: every task is
// driven by its own owner.
type Engine struct {
	meta      remote.MetadataService
	store     remote.ObjectStore
	uploads   uploads.Repository
	downloads downloads.Repository
	settings  Settings
	log       logging.Logger
}

func NewEngine(meta remote.MetadataService, store remote.ObjectStore, up uploads.Repository, down downloads.Repository, settings Settings, log logging.Logger) *Engine {
	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}
	if settings.SigningWindow <= 0 || settings.SigningWindow > remote.MaxSigningWindow {
		settings.SigningWindow = remote.MaxSigningWindow
	}
	return &Engine{
		meta:      meta,
		store:     store,
		uploads:   up,
		downloads: down,
		settings:  settings,
		log:       log,
	}
}

// Upload returns an idle task uploading req.Source to req.Key.
func (e *Engine) Upload(req UploadRequest, h Handlers) *Task {
	id := uuid.NewString()
	log := e.log.With("task_id", id, "op", "upload", "key", req.Key)
	return newTask(id, req.Key, newUploadStrategy(e, req, log), h, log)
}

// Download returns an idle task downloading req.Key.
func (e *Engine) Download(req DownloadRequest, h Handlers) *Task {
	id := uuid.NewString()
	log := e.log.With("task_id", id, "op", "download", "key", req.Key)
	return newTask(id, req.Key, newDownloadStrategy(e, req, log), h, log)
}

// DiscardUpload aborts the persisted session of an upload that is no longer
// running and forgets it. It returns common.ErrNotFound when nothing is
// recorded for key.
func (e *Engine) DiscardUpload(ctx context.Context, key models.RecordKey) error {
	rec, err := e.uploads.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := e.store.Abort(ctx, rec.ConfirmKey); err != nil && !errors.Is(err, remote.ErrSessionNotFound) {
		return fmt.Errorf("abort session: %w", err)
	}
	return e.uploads.Delete(ctx, key)
}

// DiscardDownload removes the partial file of a download that is no longer
// running and forgets its record.
func (e *Engine) DiscardDownload(ctx context.Context, key models.RecordKey) error {
	_, err := e.downloads.Get(ctx, key)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	found := err == nil

	if key.Local != "" {
		rmErr := os.Remove(key.Local)
		switch {
		case rmErr == nil:
			found = true
		case !errors.Is(rmErr, os.ErrNotExist):
			return fmt.Errorf("remove partial file: %w", rmErr)
		}
	}

	if !found {
		return common.ErrNotFound
	}
	return e.downloads.Delete(ctx, key)
}

// PendingUploads lists the persisted upload sessions.
func (e *Engine) PendingUploads(ctx context.Context) ([]*models.UploadRecord, error) {
	return e.uploads.List(ctx)
}

// PendingDownloads lists the persisted partial downloads.
func (e *Engine) PendingDownloads(ctx context.Context) ([]*models.DownloadRecord, error) {
	return e.downloads.List(ctx)
}
