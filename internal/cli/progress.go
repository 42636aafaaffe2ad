package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/logging"
	"github.com/dmitrijs2005/gophtransfer/internal/transfer"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const logInterval = 5 * time.Second

// progressPrinter renders task progress: a live line on a terminal,
// periodic log lines otherwise.
type progressPrinter struct {
	w     io.Writer
	log   logging.Logger
	op    string
	tty   bool
	now   func() time.Time
	every time.Duration

	mu      sync.Mutex
	last    time.Time
	drawn   bool
	percent int
}

func newProgressPrinter(w io.Writer, log logging.Logger, op string) *progressPrinter {
	return &progressPrinter{
		w:       w,
		log:     log,
		op:      op,
		tty:     isTerminal(w),
		now:     time.Now,
		every:   logInterval,
		percent: -1,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *progressPrinter) handlers() transfer.Handlers {
	return transfer.Handlers{
		OnProgress: p.update,
		OnState: func(id string, s transfer.State) {
			p.log.Debug(context.Background(), "task state", "task_id", id, "state", s.String())
		},
	}
}

func percentOf(done, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(done * 100 / total)
}

func (p *progressPrinter) update(id string, done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pct := percentOf(done, total)
	if p.tty {
		if pct == p.percent {
			return
		}
		p.percent = pct
		p.drawn = true
		fmt.Fprintf(p.w, "\r%s %s / %s (%d%%)   ", p.op, humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)), pct)
		return
	}

	now := p.now()
	if !p.last.IsZero() && now.Sub(p.last) < p.every && done != total {
		return
	}
	p.last = now
	p.log.Info(context.Background(), "progress", "task_id", id, "op", p.op, "done", done, "total", total, "percent", pct)
}

// finish ends the live line.
func (p *progressPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tty && p.drawn {
		fmt.Fprintln(p.w)
	}
}
