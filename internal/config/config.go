// Package config loads nest run configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jbirddev/nest/hostfunc"
	"gopkg.in/yaml.v3"
)

// Config mirrors the run flags of the CLI. Flags override file values.
type Config struct {
	URL       string            `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"description=Module locator: http(s) URL or file path"`
	Entry     string            `yaml:"entry,omitempty" json:"entry,omitempty" validate:"omitempty,printascii" jsonschema:"default=_start"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty" validate:"dive,keys,required,endkeys"`
	Mounts    []Mount           `yaml:"mounts,omitempty" json:"mounts,omitempty" validate:"dive"`
	Timeout   Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
	Memory    string            `yaml:"memory,omitempty" json:"memory,omitempty" validate:"omitempty,memsize" jsonschema:"example=64mb,example=1gb"`
	NoCache   *bool             `yaml:"no_cache,omitempty" json:"no_cache,omitempty" jsonschema:"description=Send Cache-Control: no-cache when fetching (default true)"`
	DiskCache bool              `yaml:"disk_cache,omitempty" json:"disk_cache,omitempty"`
	CacheDir  string            `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	Retry     Retry             `yaml:"retry,omitempty" json:"retry,omitempty"`
	Imports   Imports           `yaml:"imports,omitempty" json:"imports,omitempty"`
}

// Mount maps a host directory into the guest.
type Mount struct {
	Guest string `yaml:"guest" json:"guest" validate:"required,startswith=/"`
	Host  string `yaml:"host" json:"host" validate:"required"`
	Mode  string `yaml:"mode,omitempty" json:"mode,omitempty" validate:"omitempty,oneof=ro rw" jsonschema:"enum=ro,enum=rw,default=ro"`
}

// Retry configures fetch retries.
type Retry struct {
	Attempts int      `yaml:"attempts,omitempty" json:"attempts,omitempty" validate:"gte=0,lte=10"`
	Backoff  Duration `yaml:"backoff,omitempty" json:"backoff,omitempty" validate:"gte=0"`
}

// Imports selects the host import table.
type Imports struct {
	WASI       *bool    `yaml:"wasi,omitempty" json:"wasi,omitempty" jsonschema:"description=Provide wasi_snapshot_preview1 (default true)"`
	Host       bool     `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"description=Provide the nest host module"`
	ModuleName string   `yaml:"module_name,omitempty" json:"module_name,omitempty" validate:"omitempty,printascii"`
	KV         bool     `yaml:"kv,omitempty" json:"kv,omitempty"`
	AllowHosts []string `yaml:"allow_hosts,omitempty" json:"allow_hosts,omitempty" validate:"dive,required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Entry:   "_start",
		NoCache: boolPtr(true),
		Retry:   Retry{Attempts: 1},
		Imports: Imports{WASI: boolPtr(true)},
	}
}

// Load reads and validates the file at path on top of Default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r on top of Default. Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Decode for a byte slice.
func Parse(data []byte) (*Config, error) {
	return Decode(bytes.NewReader(data))
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = describe(fe)
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
}

// CacheBypass reports whether fetches send no-cache directives.
func (c *Config) CacheBypass() bool {
	return c.NoCache == nil || *c.NoCache
}

// WASIEnabled reports whether the WASI table is provided.
func (c *Config) WASIEnabled() bool {
	return c.Imports.WASI == nil || *c.Imports.WASI
}

// HostMounts converts the configured mounts.
func (c *Config) HostMounts() ([]hostfunc.Mount, error) {
	out := make([]hostfunc.Mount, 0, len(c.Mounts))
	for _, m := range c.Mounts {
		mode := hostfunc.MountReadOnly
		if m.Mode != "" {
			var err error
			if mode, err = hostfunc.ParseMountMode(m.Mode); err != nil {
				return nil, err
			}
		}
		out = append(out, hostfunc.Mount{GuestPath: m.Guest, HostPath: m.Host, Mode: mode})
	}
	return out, nil
}

// MemoryPages returns the memory limit in 64KB pages, 0 for none.
func (c *Config) MemoryPages() (uint32, error) {
	if c.Memory == "" {
		return 0, nil
	}
	return ParseMemory(c.Memory)
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "memsize":
		return fmt.Sprintf("%s: invalid memory size %q", field, fe.Value())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func boolPtr(b bool) *bool {
	return &b
}
