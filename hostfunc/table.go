package hostfunc

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Table is a set of host modules a guest may import from. Instantiate
// registers the modules in rt; it is called at most once per runtime and
// only after the guest compiled successfully.
type Table interface {
	Instantiate(ctx context.Context, rt wazero.Runtime) error
}

// TableFunc adapts a function to Table.
type TableFunc func(ctx context.Context, rt wazero.Runtime) error

func (f TableFunc) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	return f(ctx, rt)
}

// Empty provides no imports.
func Empty() Table {
	return TableFunc(func(context.Context, wazero.Runtime) error { return nil })
}

// WASIModuleName is the import module of the WASI preview1 table.
const WASIModuleName = wasi_snapshot_preview1.ModuleName

// WASI returns the wasi_snapshot_preview1 table used by wasip1 toolchains.
func WASI() Table {
	return TableFunc(func(ctx context.Context, rt wazero.Runtime) error {
		if rt.Module(WASIModuleName) != nil {
			return nil
		}
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			return fmt.Errorf("instantiate %s: %w", WASIModuleName, err)
		}
		return nil
	})
}

// Chain instantiates tables in order, stopping at the first error.
func Chain(tables ...Table) Table {
	return TableFunc(func(ctx context.Context, rt wazero.Runtime) error {
		for _, t := range tables {
			if t == nil {
				continue
			}
			if err := t.Instantiate(ctx, rt); err != nil {
				return err
			}
		}
		return nil
	})
}
