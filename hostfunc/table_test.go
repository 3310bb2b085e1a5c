package hostfunc

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"
)

func TestWASIIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	for i := 0; i < 2; i++ {
		if err := WASI().Instantiate(ctx, rt); err != nil {
			t.Fatalf("instantiate %d: %v", i, err)
		}
	}
	if rt.Module(WASIModuleName) == nil {
		t.Error("expected WASI module to be instantiated")
	}
}

func TestChainStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	var order []string
	record := func(name string, err error) Table {
		return TableFunc(func(context.Context, wazero.Runtime) error {
			order = append(order, name)
			return err
		})
	}

	err := Chain(record("a", nil), nil, record("b", boom), record("c", nil)).Instantiate(context.Background(), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("unexpected order %v", order)
	}
}
