package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/config"
	"github.com/dmitrijs2005/gophtransfer/internal/logging"
	"github.com/dmitrijs2005/gophtransfer/internal/models"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
	"github.com/dmitrijs2005/gophtransfer/internal/remote/s3backend"
	"github.com/dmitrijs2005/gophtransfer/internal/store"
	"github.com/dmitrijs2005/gophtransfer/internal/transfer"
)

// ErrUsage is returned for malformed command lines.
var ErrUsage = errors.New("usage error")

// Runner is the part of a transfer task the commands drive.
type Runner interface {
	ID() string
	Start(ctx context.Context) (transfer.Result, error)
	Pause() error
}

// Engine builds runners and manages persisted transfer state.
type Engine interface {
	Upload(req transfer.UploadRequest, h transfer.Handlers) Runner
	Download(req transfer.DownloadRequest, h transfer.Handlers) Runner
	DiscardUpload(ctx context.Context, key models.RecordKey) error
	DiscardDownload(ctx context.Context, key models.RecordKey) error
	PendingUploads(ctx context.Context) ([]*models.UploadRecord, error)
	PendingDownloads(ctx context.Context) ([]*models.DownloadRecord, error)
}

type engineAdapter struct {
	*transfer.Engine
}

func (e engineAdapter) Upload(req transfer.UploadRequest, h transfer.Handlers) Runner {
	return e.Engine.Upload(req, h)
}

func (e engineAdapter) Download(req transfer.DownloadRequest, h transfer.Handlers) Runner {
	return e.Engine.Download(req, h)
}

type purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

type App struct {
	config *config.Config
	engine Engine
	meta   remote.MetadataService
	purger purger
	log    logging.Logger

	out        io.Writer
	progress   io.Writer
	interrupts <-chan os.Signal

	closers []io.Closer
}

// NewApp opens the record store and the S3 backend described by cfg.
func NewApp(ctx context.Context, cfg *config.Config, log logging.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	backend, err := s3backend.New(ctx, BackendOptions(cfg))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init s3 backend: %w", err)
	}

	eng := transfer.NewEngine(backend, backend, st.Uploads, st.Downloads, Settings(cfg), log)

	return &App{
		config:   cfg,
		engine:   engineAdapter{eng},
		meta:     backend,
		purger:   st,
		log:      log,
		out:      os.Stdout,
		progress: os.Stderr,
		closers:  []io.Closer{st},
	}, nil
}

// WithInterrupts sets the channel watched while a transfer runs.
func (a *App) WithInterrupts(ch <-chan os.Signal) *App {
	a.interrupts = ch
	return a
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Settings maps the configuration onto engine settings.
func Settings(cfg *config.Config) transfer.Settings {
	return transfer.Settings{
		PartSize:                    cfg.PartSize,
		MultipartThreshold:          cfg.MultipartThreshold,
		Concurrency:                 cfg.Concurrency,
		SigningWindow:               cfg.SigningWindow,
		RenewMargin:                 cfg.RenewMargin,
		QuickUpload:                 cfg.QuickUpload,
		QuickUploadThreshold:        cfg.QuickUploadThreshold,
		BackgroundChecksumThreshold: cfg.BackgroundChecksumThreshold,
		VerifyDownload:              cfg.VerifyDownload,
	}
}

// BackendOptions maps the configuration onto S3 backend options.
func BackendOptions(cfg *config.Config) s3backend.Options {
	return s3backend.Options{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		Bucket:        cfg.S3Bucket,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		PathStyle:     cfg.S3PathStyle,
		PresignTTL:    cfg.PresignTTL,
		StagingPrefix: cfg.StagingPrefix,
		DedupPrefix:   cfg.DedupPrefix,
		HTTPTimeout:   cfg.HTTPTimeout,
	}
}
