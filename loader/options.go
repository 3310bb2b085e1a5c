package loader

import (
	"io"
	"time"

	"github.com/jbirddev/nest/fetch"
	"github.com/jbirddev/nest/hostfunc"
	"go.uber.org/zap"
)

// DefaultEntryPoint is the export that wasip1 toolchains emit as the
// program entry.
const DefaultEntryPoint = "_start"

// Option configures a Loader.
type Option func(*config)

type config struct {
	fetcher      fetch.Fetcher
	noCache      bool
	maxSize      int64
	retries      int
	retryBackoff time.Duration

	entry   string
	timeout time.Duration
	args    []string
	env     []envVar
	stdout  io.Writer
	stderr  io.Writer
	stdin   io.Reader
	mounts  []hostfunc.Mount

	memoryLimitPages uint32 // 0 means wazero's default (65536 pages = 4GB)
	diskCache        bool
	cacheDir         string

	logger *zap.Logger
}

type envVar struct {
	key, value string
}

func defaultConfig() config {
	return config{
		noCache: true,
		entry:   DefaultEntryPoint,
		retries: 1,
		logger:  zap.NewNop(),
	}
}

// WithFetcher replaces the scheme router. Cache, size and retry options are
// ignored for a custom fetcher.
func WithFetcher(f fetch.Fetcher) Option {
	return func(c *config) {
		c.fetcher = f
	}
}

// WithCacheBypass controls whether HTTP fetches ask intermediaries to
// revalidate. Enabled by default.
func WithCacheBypass(enabled bool) Option {
	return func(c *config) {
		c.noCache = enabled
	}
}

// WithMaxModuleSize caps the fetched module size in bytes.
func WithMaxModuleSize(n int64) Option {
	return func(c *config) {
		c.maxSize = n
	}
}

// WithRetry retries transient fetch failures up to attempts times in total,
// doubling backoff between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *config) {
		c.retries = attempts
		c.retryBackoff = backoff
	}
}

// WithTimeout bounds how long the entry point may run. Zero means no limit
// beyond the context passed to Run.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithEntryPoint sets the export Run invokes.
func WithEntryPoint(name string) Option {
	return func(c *config) {
		c.entry = name
	}
}

// WithArgs sets the guest's argv after the program name.
func WithArgs(args ...string) Option {
	return func(c *config) {
		c.args = append(c.args, args...)
	}
}

// WithEnv adds an environment variable visible to the guest.
func WithEnv(key, value string) Option {
	return func(c *config) {
		c.env = append(c.env, envVar{key: key, value: value})
	}
}

func WithStdout(w io.Writer) Option {
	return func(c *config) {
		c.stdout = w
	}
}

func WithStderr(w io.Writer) Option {
	return func(c *config) {
		c.stderr = w
	}
}

func WithStdin(r io.Reader) Option {
	return func(c *config) {
		c.stdin = r
	}
}

// WithMount exposes a host directory to the guest through WASI.
//
// Examples:
//
//	loader.WithMount("/data", "./input", hostfunc.MountReadOnly)
//	loader.WithMount("/out", "./results", hostfunc.MountReadWrite)
func WithMount(guestPath, hostPath string, mode hostfunc.MountMode) Option {
	return func(c *config) {
		c.mounts = append(c.mounts, hostfunc.Mount{
			GuestPath: guestPath,
			HostPath:  hostPath,
			Mode:      mode,
		})
	}
}

// WithMemoryLimit sets the maximum memory in 64KB pages.
// Common values: 256 (16MB), 512 (32MB), 1024 (64MB), 4096 (256MB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// Memory limit presets.
const (
	MemoryLimit16MB  uint32 = 256
	MemoryLimit32MB  uint32 = 512
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
)

// WithDiskCache enables the persistent compilation cache. Optionally provide
// a directory; otherwise uses XDG_CACHE_HOME/nest or ~/.cache/nest.
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 {
			c.cacheDir = dir[0]
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
