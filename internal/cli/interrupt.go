package cli

import (
	"context"

	"github.com/dmitrijs2005/gophtransfer/internal/transfer"
)

// runTask starts r on ctx. The first interrupt asks r to pause; if that is
// refused, or on a second interrupt, ctx is cancelled.
func (a *App) runTask(ctx context.Context, r Runner) (transfer.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	go func() {
		paused := false
		for {
			select {
			case <-done:
				return
			case <-a.interrupts:
				if !paused {
					paused = true
					err := r.Pause()
					if err == nil {
						a.log.Info(ctx, "pausing, interrupt again to abort", "task_id", r.ID())
						continue
					}
					a.log.Warn(ctx, "cannot pause, aborting", "task_id", r.ID(), "error", err)
				}
				cancel()
				return
			}
		}
	}()

	return r.Start(ctx)
}
