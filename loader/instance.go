package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Instance is a module instantiated against its import table. Its entry
// point has not run until Run is called.
type Instance struct {
	ID     string
	URL    string
	Size   int
	Digest string

	module   api.Module
	compiled wazero.CompiledModule
	entry    string
	timeout  time.Duration
	log      *zap.Logger

	mu   sync.Mutex
	task *Task
}

// Run hands control to the entry point on its own goroutine and returns
// immediately. It may be called once; later calls return ErrAlreadyRunning.
//
// Cancelling ctx aborts the guest.
func (i *Instance) Run(ctx context.Context) (*Task, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.task != nil {
		return nil, ErrAlreadyRunning
	}

	fn := i.module.ExportedFunction(i.entry)
	if fn == nil {
		return nil, phaseError(PhaseRun, i.URL, fmt.Errorf("%w: %q", ErrNoEntryPoint, i.entry))
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if i.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, i.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	t := newTask(cancel)
	i.task = t

	i.log.Debug("entry point started", zap.String("entry", i.entry))

	go func() {
		defer cancel()
		start := time.Now()
		_, err := fn.Call(runCtx)
		res := Result{Duration: time.Since(start)}
		res.ExitCode, err = i.classify(runCtx, err)

		fields := []zap.Field{
			zap.Uint32("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
		}
		if err != nil {
			i.log.Warn("entry point failed", append(fields, zap.Error(err))...)
		} else {
			i.log.Info("entry point finished", fields...)
		}
		t.finish(res, err)
	}()

	return t, nil
}

// Call invokes an exported function directly. It does not count as Run.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("export %q not found", name)
	}
	if want := len(fn.Definition().ParamTypes()); want != len(params) {
		return nil, fmt.Errorf("export %q takes %d param(s), got %d", name, want, len(params))
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, phaseError(PhaseRun, i.URL, fmt.Errorf("call %s: %w", name, err))
	}
	return results, nil
}

// Function returns the definition of an exported function, or nil.
func (i *Instance) Function(name string) api.FunctionDefinition {
	if fn := i.module.ExportedFunction(name); fn != nil {
		return fn.Definition()
	}
	return nil
}

// Exports lists the module's exports sorted by name.
func (i *Instance) Exports() []Export {
	return describeExports(i.compiled)
}

// Imports lists the module's imports sorted by module and name.
func (i *Instance) Imports() []Import {
	return describeImports(i.compiled)
}

// Memory returns the guest's memory, or nil when it has none.
func (i *Instance) Memory() api.Memory {
	return i.module.Memory()
}

// Task returns the task started by Run, or nil.
func (i *Instance) Task() *Task {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.task
}
