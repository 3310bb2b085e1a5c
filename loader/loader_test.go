package loader_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jbirddev/nest/fetch"
	"github.com/jbirddev/nest/hostfunc"
	"github.com/jbirddev/nest/internal/wasmtest"
	"github.com/jbirddev/nest/loader"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func serveModule(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/wasm")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeModule(t *testing.T, body []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.wasm")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newLoader(t *testing.T, opts ...loader.Option) *loader.Loader {
	t.Helper()
	l, err := loader.New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// spyTable records whether the loader instantiated it.
type spyTable struct {
	called atomic.Bool
	next   hostfunc.Table
}

func (s *spyTable) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	s.called.Store(true)
	if s.next != nil {
		return s.next.Instantiate(ctx, rt)
	}
	return nil
}

func TestLoadAndRun(t *testing.T) {
	srv := serveModule(t, wasmtest.Noop())
	l := newLoader(t)

	inst, err := l.Load(context.Background(), srv.URL+"/main.wasm", hostfunc.WASI())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if inst.ID == "" {
		t.Error("instance has no ID")
	}
	if inst.Size != len(wasmtest.Noop()) {
		t.Errorf("Size = %d, want %d", inst.Size, len(wasmtest.Noop()))
	}
	if len(inst.Digest) != 64 {
		t.Errorf("Digest = %q, want hex sha256", inst.Digest)
	}
	if l.Instance() != inst {
		t.Error("Loader.Instance does not return the loaded instance")
	}

	task, err := inst.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	select {
	case <-task.Done():
	default:
		t.Error("Done not closed after Wait returned")
	}
}

func TestStartFromFile(t *testing.T) {
	path := writeModule(t, wasmtest.Noop())
	l := newLoader(t)

	task, err := l.Start(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestCompileFailureStopsSequence(t *testing.T) {
	srv := serveModule(t, wasmtest.Garbage())
	l := newLoader(t)
	spy := &spyTable{}

	inst, err := l.Load(context.Background(), srv.URL, spy)
	if !errors.Is(err, loader.ErrCompile) {
		t.Fatalf("expected ErrCompile, got %v", err)
	}
	if inst != nil {
		t.Error("instance returned on compile failure")
	}
	if spy.called.Load() {
		t.Error("import table instantiated after compile failure")
	}
	if l.Instance() != nil {
		t.Error("loader holds an instance after compile failure")
	}
}

func TestFetchFailure(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(notFound.Close)

	refused := httptest.NewServer(http.NotFoundHandler())
	refusedURL := refused.URL
	refused.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"404", notFound.URL + "/main.wasm"},
		{"connection refused", refusedURL + "/main.wasm"},
		{"missing file", filepath.Join(t.TempDir(), "nope.wasm")},
		{"unsupported scheme", "ftp://example.com/main.wasm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader(t)
			spy := &spyTable{}

			_, err := l.Load(context.Background(), tt.url, spy)
			if !errors.Is(err, loader.ErrFetch) {
				t.Fatalf("expected ErrFetch, got %v", err)
			}
			var le *loader.Error
			if !errors.As(err, &le) || le.URL != tt.url {
				t.Errorf("error does not carry URL %q: %v", tt.url, err)
			}
			if spy.called.Load() {
				t.Error("import table instantiated after fetch failure")
			}
		})
	}
}

func TestFetchStatusErrorInChain(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	l := newLoader(t)

	_, err := l.Load(context.Background(), srv.URL, nil)
	var se *fetch.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *fetch.StatusError in chain, got %v", err)
	}
	if se.Code != http.StatusNotFound {
		t.Errorf("Code = %d, want 404", se.Code)
	}
}

func TestImportMismatch(t *testing.T) {
	srv := serveModule(t, wasmtest.NeedsImport("env", "missing"))
	l := newLoader(t)

	_, err := l.Load(context.Background(), srv.URL, hostfunc.WASI())
	if !errors.Is(err, loader.ErrInstantiate) {
		t.Fatalf("expected ErrInstantiate, got %v", err)
	}
	var me *hostfunc.MismatchError
	if !errors.As(err, &me) {
		t.Fatalf("expected *hostfunc.MismatchError, got %v", err)
	}
	if len(me.Mismatches) != 1 || me.Mismatches[0].Module != "env" {
		t.Errorf("mismatches = %+v", me.Mismatches)
	}
}

func TestMissingGlobalImportFailsInstantiate(t *testing.T) {
	m := wasmtest.New().ImportGlobal("env", "base", wasmtest.I32)
	m.Func("_start", nil, nil)
	srv := serveModule(t, m.Bytes())
	l := newLoader(t)

	_, err := l.Load(context.Background(), srv.URL, hostfunc.WASI())
	if !errors.Is(err, loader.ErrInstantiate) {
		t.Fatalf("expected ErrInstantiate, got %v", err)
	}
	if l.Instance() != nil {
		t.Error("instance should not exist after failed instantiate")
	}
}

func TestImportSatisfiedByCustomTable(t *testing.T) {
	var called atomic.Bool
	table := hostfunc.TableFunc(func(ctx context.Context, rt wazero.Runtime) error {
		_, err := rt.NewHostModuleBuilder("env").
			NewFunctionBuilder().
			WithFunc(func(context.Context) { called.Store(true) }).
			Export("missing").
			Instantiate(ctx)
		return err
	})

	srv := serveModule(t, wasmtest.NeedsImport("env", "missing"))
	l := newLoader(t)

	task, err := l.Start(context.Background(), srv.URL, table)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !called.Load() {
		t.Error("host import was not called")
	}
}

func TestMissingEntryPoint(t *testing.T) {
	srv := serveModule(t, wasmtest.Noop())
	l := newLoader(t, loader.WithEntryPoint("main"))

	_, err := l.Load(context.Background(), srv.URL, nil)
	if !errors.Is(err, loader.ErrInstantiate) {
		t.Fatalf("expected ErrInstantiate, got %v", err)
	}
	if !errors.Is(err, loader.ErrNoEntryPoint) {
		t.Errorf("expected ErrNoEntryPoint in chain, got %v", err)
	}
}

func TestTableErrorIsInstantiateError(t *testing.T) {
	srv := serveModule(t, wasmtest.Noop())
	l := newLoader(t)
	boom := errors.New("boom")

	_, err := l.Load(context.Background(), srv.URL, hostfunc.TableFunc(func(context.Context, wazero.Runtime) error {
		return boom
	}))
	if !errors.Is(err, loader.ErrInstantiate) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrInstantiate wrapping boom, got %v", err)
	}
}

func TestSecondLoad(t *testing.T) {
	srv := serveModule(t, wasmtest.Noop())

	t.Run("after success", func(t *testing.T) {
		l := newLoader(t)
		if _, err := l.Load(context.Background(), srv.URL, nil); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if _, err := l.Load(context.Background(), srv.URL, nil); !errors.Is(err, loader.ErrAlreadyLoaded) {
			t.Fatalf("expected ErrAlreadyLoaded, got %v", err)
		}
	})

	t.Run("after failure", func(t *testing.T) {
		l := newLoader(t)
		if _, err := l.Load(context.Background(), "ftp://nowhere", nil); err == nil {
			t.Fatal("expected first load to fail")
		}
		if _, err := l.Load(context.Background(), srv.URL, nil); !errors.Is(err, loader.ErrAlreadyLoaded) {
			t.Fatalf("expected ErrAlreadyLoaded, got %v", err)
		}
	})
}

func TestSecondRun(t *testing.T) {
	srv := serveModule(t, wasmtest.Spin())
	l := newLoader(t)

	inst, err := l.Load(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var wg sync.WaitGroup
	var tasks, busy atomic.Int32
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := inst.Run(context.Background())
			switch {
			case err == nil:
				tasks.Add(1)
				t.Cleanup(task.Cancel)
			case errors.Is(err, loader.ErrAlreadyRunning):
				busy.Add(1)
			default:
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	if tasks.Load() != 1 || busy.Load() != 3 {
		t.Errorf("started %d, rejected %d; want 1 and 3", tasks.Load(), busy.Load())
	}
}

func TestCacheBypassHeaders(t *testing.T) {
	tests := []struct {
		name string
		opts []loader.Option
		want string
	}{
		{"default", nil, "no-cache"},
		{"allow cached", []loader.Option{loader.WithCacheBypass(false)}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got atomic.Value
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got.Store(r.Header.Get("Cache-Control"))
				w.Write(wasmtest.Noop())
			}))
			defer srv.Close()

			l := newLoader(t, tt.opts...)
			if _, err := l.Load(context.Background(), srv.URL, nil); err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Load() != tt.want {
				t.Errorf("Cache-Control = %q, want %q", got.Load(), tt.want)
			}
		})
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write(wasmtest.Noop())
	}))
	t.Cleanup(srv.Close)

	l := newLoader(t, loader.WithRetry(3, time.Millisecond))
	if _, err := l.Load(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestWithFetcher(t *testing.T) {
	var seen string
	f := fetch.FetcherFunc(func(ctx context.Context, rawURL string) (*fetch.Module, error) {
		seen = rawURL
		return &fetch.Module{URL: rawURL, Bytes: wasmtest.Noop()}, nil
	})

	l := newLoader(t, loader.WithFetcher(f))
	if _, err := l.Load(context.Background(), "mem://main", nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if seen != "mem://main" {
		t.Errorf("fetcher saw %q", seen)
	}
}

func TestCall(t *testing.T) {
	srv := serveModule(t, wasmtest.Adder())
	l := newLoader(t)

	inst, err := l.Load(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	res, err := inst.Call(context.Background(), "add", api.EncodeI32(2), api.EncodeI32(40))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := api.DecodeI32(res[0]); got != 42 {
		t.Errorf("add(2, 40) = %d, want 42", got)
	}

	if _, err := inst.Call(context.Background(), "sub"); err == nil {
		t.Error("expected error for unknown export")
	}
	if _, err := inst.Call(context.Background(), "add", 1); err == nil {
		t.Error("expected error for wrong arity")
	}
	if inst.Task() != nil {
		t.Error("Call started a task")
	}
}

func TestExportsAndImports(t *testing.T) {
	srv := serveModule(t, wasmtest.Exit(0))
	l := newLoader(t)

	inst, err := l.Load(context.Background(), srv.URL, hostfunc.WASI())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	exports := inst.Exports()
	if len(exports) != 1 || exports[0].Name != "_start" || exports[0].Signature != "()->()" {
		t.Errorf("Exports = %+v", exports)
	}

	imports := inst.Imports()
	if len(imports) != 1 {
		t.Fatalf("Imports = %+v", imports)
	}
	want := loader.Import{Module: "wasi_snapshot_preview1", Name: "proc_exit", Kind: "func", Signature: "(i32)->()"}
	if imports[0] != want {
		t.Errorf("Imports[0] = %+v, want %+v", imports[0], want)
	}
}

func TestInspect(t *testing.T) {
	srv := serveModule(t, wasmtest.NeedsImport("env", "missing"))
	l := newLoader(t)

	r, err := l.Inspect(context.Background(), srv.URL, hostfunc.WASI())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if r.Size == 0 || len(r.Digest) != 64 {
		t.Errorf("Size = %d, Digest = %q", r.Size, r.Digest)
	}
	if r.ContentType != "application/wasm" {
		t.Errorf("ContentType = %q", r.ContentType)
	}
	if !r.Checked || len(r.Unsatisfied) != 1 {
		t.Errorf("Checked = %v, Unsatisfied = %+v", r.Checked, r.Unsatisfied)
	}

	// Inspect is not a Load.
	_, err = l.Load(context.Background(), srv.URL, hostfunc.WASI())
	if errors.Is(err, loader.ErrAlreadyLoaded) {
		t.Error("Inspect consumed the Load")
	}
}

func TestInspectWithoutTable(t *testing.T) {
	srv := serveModule(t, wasmtest.Adder())
	l := newLoader(t)

	r, err := l.Inspect(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if r.Checked {
		t.Error("Checked without a table")
	}
	var names []string
	for _, e := range r.Exports {
		names = append(names, e.Name)
	}
	if strings.Join(names, ",") != "_start,add" {
		t.Errorf("exports = %v", names)
	}
}

func TestInspectCompileError(t *testing.T) {
	srv := serveModule(t, wasmtest.Garbage())
	l := newLoader(t)

	if _, err := l.Inspect(context.Background(), srv.URL, nil); !errors.Is(err, loader.ErrCompile) {
		t.Fatalf("expected ErrCompile, got %v", err)
	}
}

func TestClose(t *testing.T) {
	l, err := loader.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := l.Load(context.Background(), "main.wasm", nil); !errors.Is(err, loader.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := l.Inspect(context.Background(), "main.wasm", nil); !errors.Is(err, loader.ErrClosed) {
		t.Errorf("expected ErrClosed from Inspect, got %v", err)
	}
}

func TestIndependentLoaders(t *testing.T) {
	srv := serveModule(t, wasmtest.Adder())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := loader.New()
			if err != nil {
				t.Errorf("New: %v", err)
				return
			}
			defer l.Close()
			if _, err := l.Load(context.Background(), srv.URL, hostfunc.WASI()); err != nil {
				t.Errorf("Load: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestDiskCache(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, wasmtest.Adder())

	for i := 0; i < 2; i++ {
		l, err := loader.New(loader.WithDiskCache(dir))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := l.Load(context.Background(), path, nil); err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
		l.Close()
	}
}

func TestMemoryLimit(t *testing.T) {
	m := wasmtest.New()
	m.Memory(4, "memory")
	m.Func("_start", nil, nil)
	srv := serveModule(t, m.Bytes())

	l := newLoader(t, loader.WithMemoryLimit(2))
	if _, err := l.Load(context.Background(), srv.URL, nil); err == nil {
		t.Fatal("expected memory over the limit to fail")
	}
}
