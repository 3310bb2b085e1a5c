package loader

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jbirddev/nest/fetch"
	"github.com/jbirddev/nest/hostfunc"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// Loader owns one wazero runtime and at most one loaded module. It replaces
// process-wide module/instance state: independent Loaders never share
// anything.
type Loader struct {
	cfg      config
	rtConfig wazero.RuntimeConfig
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	fetcher  fetch.Fetcher
	log      *zap.Logger

	mu       sync.Mutex
	attempts int
	closed   bool
	instance *Instance
}

// New creates a Loader. Nothing is fetched until Load.
func New(opts ...Option) (*Loader, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = DefaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	fetcher := cfg.fetcher
	if fetcher == nil {
		fetcher = fetch.Retry(fetch.New(fetch.HTTPConfig{
			NoCache: cfg.noCache,
			MaxSize: cfg.maxSize,
			Logger:  cfg.logger,
		}), cfg.retries, cfg.retryBackoff, cfg.logger)
	}

	return &Loader{
		cfg:      cfg,
		rtConfig: rtConfig,
		runtime:  wazero.NewRuntimeWithConfig(context.Background(), rtConfig),
		cache:    cache,
		fetcher:  fetcher,
		log:      cfg.logger,
	}, nil
}

// Load fetches, compiles and instantiates the module at rawURL against
// table. The entry point is not invoked; call Run on the result.
//
// Load may be attempted once per Loader. Later calls return
// ErrAlreadyLoaded whether or not the first one succeeded.
func (l *Loader) Load(ctx context.Context, rawURL string, table hostfunc.Table) (*Instance, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.attempts++
	if l.attempts > 1 {
		l.mu.Unlock()
		return nil, ErrAlreadyLoaded
	}
	l.mu.Unlock()

	if table == nil {
		table = hostfunc.Empty()
	}

	start := time.Now()
	log := l.log.With(zap.String("url", rawURL))

	mod, err := l.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		log.Debug("fetch failed", zap.Error(err))
		return nil, phaseError(PhaseFetch, rawURL, err)
	}
	log.Debug("fetched", zap.Int("bytes", len(mod.Bytes)), zap.String("encoding", mod.Encoding))

	compiled, err := l.runtime.CompileModule(ctx, mod.Bytes)
	if err != nil {
		return nil, phaseError(PhaseCompile, rawURL, err)
	}

	if err := table.Instantiate(ctx, l.runtime); err != nil {
		compiled.Close(ctx)
		return nil, phaseError(PhaseInstantiate, rawURL, fmt.Errorf("import table: %w", err))
	}
	if err := hostfunc.Check(l.runtime, compiled); err != nil {
		compiled.Close(ctx)
		return nil, phaseError(PhaseInstantiate, rawURL, err)
	}
	if _, ok := compiled.ExportedFunctions()[l.cfg.entry]; !ok {
		compiled.Close(ctx)
		return nil, phaseError(PhaseInstantiate, rawURL, fmt.Errorf("%w: %q", ErrNoEntryPoint, l.cfg.entry))
	}

	modCfg, err := l.moduleConfig(rawURL)
	if err != nil {
		compiled.Close(ctx)
		return nil, phaseError(PhaseInstantiate, rawURL, err)
	}

	guest, err := l.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		compiled.Close(ctx)
		return nil, phaseError(PhaseInstantiate, rawURL, err)
	}

	sum := sha256.Sum256(mod.Bytes)
	inst := &Instance{
		ID:       uuid.NewString(),
		URL:      rawURL,
		Size:     len(mod.Bytes),
		Digest:   hex.EncodeToString(sum[:]),
		module:   guest,
		compiled: compiled,
		entry:    l.cfg.entry,
		timeout:  l.cfg.timeout,
	}
	inst.log = log.With(zap.String("instance", inst.ID))

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.instance = inst
	l.mu.Unlock()

	inst.log.Info("module loaded",
		zap.Int("bytes", inst.Size),
		zap.String("sha256", inst.Digest),
		zap.Duration("duration", time.Since(start)),
	)
	return inst, nil
}

// Start loads the module and runs its entry point.
func (l *Loader) Start(ctx context.Context, rawURL string, table hostfunc.Table) (*Task, error) {
	inst, err := l.Load(ctx, rawURL, table)
	if err != nil {
		return nil, err
	}
	return inst.Run(ctx)
}

// Instance returns the loaded instance, or nil before a successful Load.
func (l *Loader) Instance() *Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.instance
}

// Report describes a module without instantiating it.
type Report struct {
	URL         string
	Size        int
	Digest      string
	ContentType string
	Encoding    string
	Imports     []Import
	Exports     []Export

	// Checked is set when a table was given to Inspect; Unsatisfied then
	// lists the imports that table cannot provide.
	Checked     bool
	Unsatisfied []hostfunc.Mismatch
}

// Inspect fetches and compiles rawURL and describes its import and export
// surface. When table is non-nil it is instantiated into a scratch runtime
// and checked against the imports. Inspect does not count as a Load.
func (l *Loader) Inspect(ctx context.Context, rawURL string, table hostfunc.Table) (*Report, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	mod, err := l.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, phaseError(PhaseFetch, rawURL, err)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, l.rtConfig)
	defer rt.Close(context.Background())

	compiled, err := rt.CompileModule(ctx, mod.Bytes)
	if err != nil {
		return nil, phaseError(PhaseCompile, rawURL, err)
	}

	sum := sha256.Sum256(mod.Bytes)
	r := &Report{
		URL:         rawURL,
		Size:        len(mod.Bytes),
		Digest:      hex.EncodeToString(sum[:]),
		ContentType: mod.ContentType,
		Encoding:    mod.Encoding,
		Imports:     describeImports(compiled),
		Exports:     describeExports(compiled),
	}

	if table != nil {
		if err := table.Instantiate(ctx, rt); err != nil {
			return nil, phaseError(PhaseInstantiate, rawURL, fmt.Errorf("import table: %w", err))
		}
		r.Checked = true
		var me *hostfunc.MismatchError
		if err := hostfunc.Check(rt, compiled); errors.As(err, &me) {
			r.Unsatisfied = me.Mismatches
		} else if err != nil {
			return nil, phaseError(PhaseInstantiate, rawURL, err)
		}
	}

	return r, nil
}

func (l *Loader) moduleConfig(rawURL string) (wazero.ModuleConfig, error) {
	args := append([]string{programName(rawURL)}, l.cfg.args...)

	// Start functions are disabled so that control only passes to the guest
	// through Run.
	mc := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithArgs(args...).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)

	for _, kv := range l.cfg.env {
		mc = mc.WithEnv(kv.key, kv.value)
	}
	if l.cfg.stdout != nil {
		mc = mc.WithStdout(l.cfg.stdout)
	}
	if l.cfg.stderr != nil {
		mc = mc.WithStderr(l.cfg.stderr)
	}
	if l.cfg.stdin != nil {
		mc = mc.WithStdin(l.cfg.stdin)
	}

	if len(l.cfg.mounts) > 0 {
		fsCfg := wazero.NewFSConfig()
		for _, mount := range l.cfg.mounts {
			m, err := mount.Normalize()
			if err != nil {
				return nil, err
			}
			if m.Mode == hostfunc.MountReadOnly {
				fsCfg = fsCfg.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
			} else {
				fsCfg = fsCfg.WithDirMount(m.HostPath, m.GuestPath)
			}
		}
		mc = mc.WithFSConfig(fsCfg)
	}

	return mc, nil
}

// Close releases the runtime, the loaded instance and the compilation cache.
// It is safe to call more than once.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	ctx := context.Background()

	var errs []error
	if err := l.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if l.cache != nil {
		if err := l.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// programName derives argv[0] from the module locator.
func programName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" {
		p = u.Path
	}
	name := path.Base(filepath.ToSlash(p))
	if name == "." || name == "/" || name == "" {
		return "main.wasm"
	}
	return name
}

// DefaultCacheDir is where WithDiskCache stores compiled modules when no
// directory is given.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "nest")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "nest")
	}
	return filepath.Join(os.TempDir(), "nest-cache")
}
