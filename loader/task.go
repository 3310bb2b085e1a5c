package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/sys"
)

// Result describes a finished entry point.
type Result struct {
	ExitCode uint32
	Duration time.Duration
}

// Task is a running entry point.
type Task struct {
	done   chan struct{}
	cancel context.CancelFunc
	result Result
	err    error
}

func newTask(cancel context.CancelFunc) *Task {
	return &Task{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (t *Task) finish(res Result, err error) {
	t.result = res
	t.err = err
	close(t.done)
}

// Done is closed when the entry point has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the entry point returns or ctx ends. Ending ctx stops
// the wait only; use Cancel to abort the guest.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel aborts the guest. It has no effect once the task is done.
func (t *Task) Cancel() {
	t.cancel()
}

// classify turns the error from the entry point into an exit code and a run
// error. Exit code zero is success.
func (i *Instance) classify(ctx context.Context, err error) (uint32, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch code := exitErr.ExitCode(); code {
		case 0:
			return 0, nil
		case sys.ExitCodeDeadlineExceeded:
			return code, phaseError(PhaseRun, i.URL, i.timeoutError())
		case sys.ExitCodeContextCanceled:
			return code, phaseError(PhaseRun, i.URL, context.Canceled)
		default:
			return code, phaseError(PhaseRun, i.URL, err)
		}
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return 0, phaseError(PhaseRun, i.URL, i.timeoutError())
	case errors.Is(ctx.Err(), context.Canceled):
		return 0, phaseError(PhaseRun, i.URL, context.Canceled)
	}
	return 0, phaseError(PhaseRun, i.URL, err)
}

func (i *Instance) timeoutError() error {
	if i.timeout > 0 {
		return fmt.Errorf("timeout after %v: %w", i.timeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("timeout: %w", context.DeadlineExceeded)
}
