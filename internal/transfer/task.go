package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/gophtransfer/internal/logging"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
)

// Strategy supplies the transfer-specific steps a Task drives.
type Strategy interface {
	// Check validates inputs and loads persisted progress. It runs at the
	// start of every Start and Resume.
	Check(ctx context.Context) error

	// Execute moves the bytes, reporting through p.
	Execute(ctx context.Context, p Progress) error

	// Finalize commits the transfer. It runs inside the frozen window with a
	// context that is never cancelled by Pause or Cancel.
	Finalize(ctx context.Context) (Result, error)

	// Discard removes remote session state and local artifacts, best effort.
	Discard(ctx context.Context) error

	// Interruptible reports whether the transfer can be paused and resumed.
	Interruptible() bool
}

// Progress receives byte counts from a running strategy.
type Progress interface {
	SetTotal(total int64)
	Set(done int64)
	Add(n int64)
}

// Result is the success payload of a task.
type Result interface {
	RemoteKey() string
}

// Handlers are the caller's callbacks. Any of them may be nil. They are
// called without locks held and may call back into the task.
type Handlers struct {
	OnState    func(id string, state State)
	OnProgress func(id string, done, total int64)
	OnSuccess  func(id string, result Result)
	OnFailure  func(id string, failure Failure)
}

// Task runs one transfer through its strategy and tracks its lifecycle.
// Start, Resume, Pause and Cancel are safe to call from any goroutine.
type Task struct {
	id       string
	key      string
	strategy Strategy
	handlers Handlers
	log      logging.Logger

	mu        sync.Mutex
	state     State
	frozen    bool
	pauseReq  bool
	cancelReq bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
	result    Result
	err       error

	done  atomic.Int64
	total atomic.Int64
}

func newTask(id, key string, s Strategy, h Handlers, log logging.Logger) *Task {
	return &Task{
		id:       id,
		key:      key,
		strategy: s,
		handlers: h,
		log:      log,
	}
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) Key() string {
	return t.key
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the success payload once the task is complete.
func (t *Task) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the failure of the last run, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Bytes returns the progress counters.
func (t *Task) Bytes() (done, total int64) {
	return t.done.Load(), t.total.Load()
}

// Start runs the pipeline from a fresh or failed task and blocks until it
// completes, fails, pauses or is canceled. Pause and cancel surface as
// ErrPaused and ErrCanceled.
func (t *Task) Start(ctx context.Context) (Result, error) {
	t.mu.Lock()
	if t.state != StateIdle && t.state != StateFailed {
		st := t.state
		t.mu.Unlock()
		t.log.Debug(ctx, "start rejected", "state", st)
		return nil, ErrInvalidState
	}
	ch := t.beginLocked()
	t.mu.Unlock()

	t.notifyState(StateWaiting)
	return t.run(ctx, ch)
}

// Resume re-enters the pipeline of a paused task, reusing persisted progress.
// If the paused run is still unwinding, Resume waits for it first.
func (t *Task) Resume(ctx context.Context) (Result, error) {
	t.mu.Lock()
	if t.state != StatePaused {
		t.mu.Unlock()
		return nil, ErrInvalidState
	}
	prev := t.runDone
	t.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	if t.state != StatePaused || t.cancelReq {
		t.mu.Unlock()
		return nil, ErrInvalidState
	}
	ch := t.beginLocked()
	t.mu.Unlock()

	t.notifyState(StateWaiting)
	return t.run(ctx, ch)
}

// beginLocked resets per-run flags and moves to WAITING.
func (t *Task) beginLocked() chan struct{} {
	t.pauseReq = false
	t.cancelReq = false
	t.frozen = false
	t.err = nil
	t.runDone = make(chan struct{})
	t.state = StateWaiting
	return t.runDone
}

func (t *Task) run(parent context.Context, done chan struct{}) (Result, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer close(done)

	t.mu.Lock()
	t.cancelRun = cancel
	interrupted := t.pauseReq || t.cancelReq
	t.mu.Unlock()
	if interrupted {
		return t.finish(parent, context.Canceled)
	}

	t.log.Info(ctx, "transfer started")

	if err := t.strategy.Check(ctx); err != nil {
		return t.finish(parent, err)
	}

	if !t.transition(StateWaiting, StateRunning) {
		return t.finish(parent, context.Canceled)
	}

	if err := t.strategy.Execute(ctx, t); err != nil {
		return t.finish(parent, err)
	}

	if err := t.freeze(ctx); err != nil {
		return t.finish(parent, err)
	}
	res, err := t.strategy.Finalize(context.WithoutCancel(ctx))

	t.mu.Lock()
	t.frozen = false
	if err == nil {
		t.result = res
		t.state = StateComplete
	}
	t.mu.Unlock()
	if err != nil {
		return t.finish(context.WithoutCancel(parent), err)
	}

	t.log.Info(ctx, "transfer complete")
	t.notifyState(StateComplete)
	if t.handlers.OnSuccess != nil {
		t.handlers.OnSuccess(t.id, res)
	}
	return res, nil
}

// finish resolves how a run that stopped early is reported.
func (t *Task) finish(parent context.Context, err error) (Result, error) {
	t.mu.Lock()
	pauseReq, cancelReq := t.pauseReq, t.cancelReq
	t.mu.Unlock()

	switch {
	case cancelReq:
		t.discard(parent)
		t.setState(StateCanceled)
		t.log.Info(parent, "transfer canceled")
		return nil, ErrCanceled

	case pauseReq:
		t.log.Info(parent, "transfer paused", "offset", t.done.Load())
		return nil, ErrPaused

	case parent.Err() != nil:
		// the owner's context ended; keep the progress as for a pause
		t.setState(StatePaused)
		t.log.Info(parent, "transfer interrupted", "offset", t.done.Load(), "error", parent.Err())
		return nil, errors.Join(ErrPaused, parent.Err())
	}

	terr := classify(err, t.key, t.done.Load())
	if terr.Kind == KindIntegrity {
		t.discard(parent)
	}

	t.mu.Lock()
	t.err = terr
	t.state = StateFailed
	t.mu.Unlock()

	t.log.Error(parent, "transfer failed", "kind", terr.Kind, "offset", terr.Offset, "error", terr.Err)
	t.notifyState(StateFailed)
	if t.handlers.OnFailure != nil {
		t.handlers.OnFailure(t.id, Failure{Client: terr, Server: remote.AsServerError(err)})
	}
	return nil, terr
}

func (t *Task) discard(ctx context.Context) {
	if err := t.strategy.Discard(context.WithoutCancel(ctx)); err != nil {
		t.log.Warn(ctx, "discard failed", "error", err)
	}
	t.done.Store(0)
}

// Pause asks a waiting or running task to stop, keeping its progress. The
// state becomes PAUSED immediately; Start or Resume returns ErrPaused once
// in-flight work has unwound.
func (t *Task) Pause() error {
	t.mu.Lock()
	switch {
	case t.state != StateRunning && t.state != StateWaiting:
		t.mu.Unlock()
		return ErrInvalidState
	case t.frozen:
		t.mu.Unlock()
		return ErrFrozen
	case !t.strategy.Interruptible():
		t.mu.Unlock()
		return ErrNotInterruptible
	}

	t.pauseReq = true
	t.state = StatePaused
	cancel := t.cancelRun
	t.mu.Unlock()

	t.notifyState(StatePaused)
	if cancel != nil {
		cancel()
	}
	return nil
}

// Cancel stops the task and discards its remote session and local
// artifacts. A running task is discarded once it has unwound; a paused one
// at once.
func (t *Task) Cancel() error {
	t.mu.Lock()
	switch t.state {
	case StateWaiting, StateRunning:
		if t.frozen {
			t.mu.Unlock()
			return ErrFrozen
		}
		if !t.strategy.Interruptible() {
			t.mu.Unlock()
			return ErrNotInterruptible
		}
		t.cancelReq = true
		cancel := t.cancelRun
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	case StatePaused:
		t.cancelReq = true
		unwinding := t.runDone != nil && !closed(t.runDone)
		t.mu.Unlock()
		if unwinding {
			// the run's finish sees cancelReq and discards
			return nil
		}
		t.discard(context.Background())
		t.setState(StateCanceled)
		return nil

	default:
		t.mu.Unlock()
		return ErrInvalidState
	}
}

// freeze enters the frozen window unless a pause or cancel already landed.
func (t *Task) freeze(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelReq || t.pauseReq {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.frozen = true
	return nil
}

// Frozen reports whether the task is inside its frozen window.
func (t *Task) Frozen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frozen
}

func (t *Task) transition(from, to State) bool {
	t.mu.Lock()
	if t.state != from {
		t.mu.Unlock()
		return false
	}
	t.state = to
	t.mu.Unlock()

	t.notifyState(to)
	return true
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.notifyState(s)
}

func (t *Task) notifyState(s State) {
	if t.handlers.OnState != nil {
		t.handlers.OnState(t.id, s)
	}
}

func (t *Task) SetTotal(total int64) {
	t.total.Store(total)
	t.notifyProgress()
}

func (t *Task) Set(done int64) {
	t.done.Store(done)
	t.notifyProgress()
}

func (t *Task) Add(n int64) {
	t.done.Add(n)
	t.notifyProgress()
}

func (t *Task) notifyProgress() {
	if t.handlers.OnProgress == nil {
		return
	}
	t.mu.Lock()
	running := t.state == StateRunning
	t.mu.Unlock()
	if running {
		t.handlers.OnProgress(t.id, t.done.Load(), t.total.Load())
	}
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
