package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/buildinfo"
	"github.com/dmitrijs2005/gophtransfer/internal/models"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
	"github.com/dmitrijs2005/gophtransfer/internal/source"
	"github.com/dmitrijs2005/gophtransfer/internal/transfer"
	"github.com/dustin/go-humanize"
)

const usage = `usage: gtransfer [flags] <command> [args]

commands:
  upload [-conflict fail|rename|overwrite] [-type content-type] <local> <key>
  download <key> <local>
  cat <key>
  stat <key>
  pending
  discard-upload <local> <key>
  discard-download <key> <local>
  purge <older-than>
  version
`

// Run executes the command in args (the positional arguments left after the
// global flags).
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return ErrUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "upload":
		return a.upload(ctx, rest)
	case "download":
		return a.download(ctx, rest)
	case "cat":
		return a.cat(ctx, rest)
	case "stat":
		return a.stat(ctx, rest)
	case "pending":
		return a.pending(ctx)
	case "discard-upload":
		return a.discardUpload(ctx, rest)
	case "discard-download":
		return a.discardDownload(ctx, rest)
	case "purge":
		return a.purge(ctx, rest)
	case "version":
		buildinfo.PrintBuildData(a.out)
		return nil
	case "help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func wantArgs(args []string, n int, form string) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s", ErrUsage, form)
	}
	return nil
}

func (a *App) upload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	conflict := fs.String("conflict", "fail", "fail, rename or overwrite")
	contentType := fs.String("type", "", "content type")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if err := wantArgs(fs.Args(), 2, "upload <local> <key>"); err != nil {
		return err
	}

	policy, err := remote.ParseConflictPolicy(*conflict)
	if err != nil {
		return fmt.Errorf("%w: conflict policy %q", ErrUsage, *conflict)
	}

	local, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return err
	}
	src, err := source.NewFile(local)
	if err != nil {
		return err
	}
	defer src.Close()

	p := newProgressPrinter(a.progress, a.log, "upload")
	task := a.engine.Upload(transfer.UploadRequest{
		Key:         fs.Arg(1),
		Source:      src,
		LocalPath:   local,
		Conflict:    policy,
		ContentType: *contentType,
	}, p.handlers())

	res, err := a.runTask(ctx, task)
	p.finish()
	if err != nil {
		return a.reportStop(err, "upload")
	}

	up := res.(*transfer.UploadResult)
	how := "uploaded"
	if up.Quick {
		how = "quick-uploaded"
	}
	fmt.Fprintf(a.out, "%s %s (%s, crc64 %s)\n", how, up.Key, humanize.IBytes(uint64(up.Size)), up.CRC64)
	return nil
}

func (a *App) download(ctx context.Context, args []string) error {
	if err := wantArgs(args, 2, "download <key> <local>"); err != nil {
		return err
	}
	local, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}

	p := newProgressPrinter(a.progress, a.log, "download")
	task := a.engine.Download(transfer.DownloadRequest{Key: args[0], LocalPath: local}, p.handlers())

	res, err := a.runTask(ctx, task)
	p.finish()
	if err != nil {
		return a.reportStop(err, "download")
	}

	dr := res.(*transfer.DownloadResult)
	fmt.Fprintf(a.out, "downloaded %s to %s (%s)\n", dr.Key, dr.LocalPath, humanize.IBytes(uint64(dr.Size)))
	return nil
}

func (a *App) cat(ctx context.Context, args []string) error {
	if err := wantArgs(args, 1, "cat <key>"); err != nil {
		return err
	}

	task := a.engine.Download(transfer.DownloadRequest{Key: args[0], Mode: transfer.ModeStream}, transfer.Handlers{})
	res, err := a.runTask(ctx, task)
	if err != nil {
		return a.reportStop(err, "cat")
	}

	body := res.(*transfer.DownloadResult).Stream
	defer body.Close()

	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	if _, err := io.Copy(a.out, body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read object: %w", err)
	}
	return nil
}

func (a *App) stat(ctx context.Context, args []string) error {
	if err := wantArgs(args, 1, "stat <key>"); err != nil {
		return err
	}

	fi, err := a.meta.GetFileInfo(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "key:           %s\n", fi.Key)
	fmt.Fprintf(a.out, "size:          %d (%s)\n", fi.Size, humanize.IBytes(uint64(fi.Size)))
	fmt.Fprintf(a.out, "etag:          %s\n", fi.ETag)
	fmt.Fprintf(a.out, "crc64:         %s\n", fi.CRC64)
	fmt.Fprintf(a.out, "content-type:  %s\n", fi.ContentType)
	fmt.Fprintf(a.out, "creation-time: %s\n", fi.CreationTime)
	for k, v := range fi.Metadata {
		fmt.Fprintf(a.out, "meta %s: %s\n", k, v)
	}
	return nil
}

func (a *App) pending(ctx context.Context) error {
	ups, err := a.engine.PendingUploads(ctx)
	if err != nil {
		return err
	}
	downs, err := a.engine.PendingDownloads(ctx)
	if err != nil {
		return err
	}

	for _, r := range ups {
		fmt.Fprintf(a.out, "upload   %s %s, updated %s\n", r.RecordKey, humanize.IBytes(uint64(r.SourceSize)), humanize.Time(r.UpdatedAt))
	}
	for _, r := range downs {
		fmt.Fprintf(a.out, "download %s %s, updated %s\n", r.RecordKey, humanize.IBytes(uint64(r.Size)), humanize.Time(r.UpdatedAt))
	}
	if len(ups) == 0 && len(downs) == 0 {
		fmt.Fprintln(a.out, "no pending transfers")
	}
	return nil
}

func (a *App) discardUpload(ctx context.Context, args []string) error {
	if err := wantArgs(args, 2, "discard-upload <local> <key>"); err != nil {
		return err
	}
	local, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	if err := a.engine.DiscardUpload(ctx, models.RecordKey{Key: args[1], Local: local}); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "discarded upload of %s to %s\n", local, args[1])
	return nil
}

func (a *App) discardDownload(ctx context.Context, args []string) error {
	if err := wantArgs(args, 2, "discard-download <key> <local>"); err != nil {
		return err
	}
	local, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}

	if err := a.engine.DiscardDownload(ctx, models.RecordKey{Key: args[0], Local: local}); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "discarded download of %s to %s\n", args[0], local)
	return nil
}

func (a *App) purge(ctx context.Context, args []string) error {
	if err := wantArgs(args, 1, "purge <older-than>"); err != nil {
		return err
	}
	age, err := time.ParseDuration(args[0])
	if err != nil || age <= 0 {
		return fmt.Errorf("%w: purge age %q", ErrUsage, args[0])
	}

	n, err := a.purger.Purge(ctx, age)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "purged %d records\n", n)
	return nil
}

// reportStop prints a resume hint when the task was paused.
func (a *App) reportStop(err error, what string) error {
	if errors.Is(err, transfer.ErrPaused) {
		fmt.Fprintf(a.out, "%s paused; run the same command again to resume\n", what)
	}
	return err
}
