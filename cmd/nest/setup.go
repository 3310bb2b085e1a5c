package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jbirddev/nest/hostfunc"
	"github.com/jbirddev/nest/internal/config"
	"github.com/jbirddev/nest/loader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("entry", "", "Entry point export (default: _start)")
	cmd.Flags().StringArray("arg", nil, "Guest argument (repeatable)")
	cmd.Flags().StringArray("env", nil, "Guest environment KEY=VALUE (repeatable)")
	addSessionFlags(cmd)
}

// addSessionFlags registers the flags shared by every command that loads a
// module.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 0, "Entry point timeout (0: none)")
	cmd.Flags().StringArray("mount", nil, "Mount host directory guest:host:ro|rw (repeatable)")
	cmd.Flags().String("memory", "", "Memory limit, e.g. 16mb, 64mb, 256mb, 1gb")
	cmd.Flags().Bool("allow-cached", false, "Allow cached HTTP responses for the module")
	cmd.Flags().Int("retry", 1, "Fetch attempts for transient failures")
	cmd.Flags().Duration("retry-backoff", 250*time.Millisecond, "Initial backoff between fetch attempts")
	cmd.Flags().Bool("no-wasi", false, "Do not provide wasi_snapshot_preview1")
	cmd.Flags().Bool("host", false, "Provide the nest host module")
	cmd.Flags().String("module-name", hostfunc.DefaultModuleName, "Import module name of the host module")
	cmd.Flags().Bool("kv", false, "Enable key-value store (implies --host)")
	cmd.Flags().StringSlice("allow-host", nil, "Allow guest HTTP to host (repeatable, implies --host)")
}

// applyFlags overrides cfg with every flag the user set.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()

	if f.Changed("entry") {
		cfg.Entry, _ = f.GetString("entry")
	}
	if f.Changed("arg") {
		cfg.Args, _ = f.GetStringArray("arg")
	}
	if f.Changed("env") {
		envs, _ := f.GetStringArray("env")
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		for _, kv := range envs {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid env %q (expected KEY=VALUE)", kv)
			}
			cfg.Env[k] = v
		}
	}
	if f.Changed("timeout") {
		d, _ := f.GetDuration("timeout")
		cfg.Timeout = config.Duration(d)
	}
	if f.Changed("mount") {
		specs, _ := f.GetStringArray("mount")
		for _, spec := range specs {
			m, err := parseMount(spec)
			if err != nil {
				return err
			}
			cfg.Mounts = append(cfg.Mounts, m)
		}
	}
	if f.Changed("memory") {
		cfg.Memory, _ = f.GetString("memory")
	}
	if f.Changed("allow-cached") {
		allow, _ := f.GetBool("allow-cached")
		bypass := !allow
		cfg.NoCache = &bypass
	}
	if f.Changed("retry") {
		cfg.Retry.Attempts, _ = f.GetInt("retry")
	}
	if f.Changed("retry-backoff") {
		d, _ := f.GetDuration("retry-backoff")
		cfg.Retry.Backoff = config.Duration(d)
	}
	if f.Changed("no-wasi") {
		noWASI, _ := f.GetBool("no-wasi")
		wasi := !noWASI
		cfg.Imports.WASI = &wasi
	}
	if f.Changed("host") {
		cfg.Imports.Host, _ = f.GetBool("host")
	}
	if f.Changed("module-name") {
		cfg.Imports.ModuleName, _ = f.GetString("module-name")
	}
	if f.Changed("kv") {
		cfg.Imports.KV, _ = f.GetBool("kv")
	}
	if f.Changed("allow-host") {
		cfg.Imports.AllowHosts, _ = f.GetStringSlice("allow-host")
	}

	return cfg.Validate()
}

type stdio struct {
	stdin          io.Reader
	stdout, stderr io.Writer
}

func loaderOptions(cfg *config.Config, log *zap.Logger, streams stdio) ([]loader.Option, error) {
	opts := []loader.Option{
		loader.WithLogger(log),
		loader.WithCacheBypass(cfg.CacheBypass()),
		loader.WithRetry(cfg.Retry.Attempts, cfg.Retry.Backoff.Std()),
		loader.WithTimeout(cfg.Timeout.Std()),
		loader.WithArgs(cfg.Args...),
	}
	if cfg.Entry != "" {
		opts = append(opts, loader.WithEntryPoint(cfg.Entry))
	}
	for k, v := range cfg.Env {
		opts = append(opts, loader.WithEnv(k, v))
	}

	mounts, err := cfg.HostMounts()
	if err != nil {
		return nil, err
	}
	for _, m := range mounts {
		opts = append(opts, loader.WithMount(m.GuestPath, m.HostPath, m.Mode))
	}

	pages, err := cfg.MemoryPages()
	if err != nil {
		return nil, err
	}
	if pages > 0 {
		opts = append(opts, loader.WithMemoryLimit(pages))
	}

	if cfg.DiskCache {
		if cfg.CacheDir != "" {
			opts = append(opts, loader.WithDiskCache(cfg.CacheDir))
		} else {
			opts = append(opts, loader.WithDiskCache())
		}
	}

	if streams.stdin != nil {
		opts = append(opts, loader.WithStdin(streams.stdin))
	}
	if streams.stdout != nil {
		opts = append(opts, loader.WithStdout(streams.stdout))
	}
	if streams.stderr != nil {
		opts = append(opts, loader.WithStderr(streams.stderr))
	}
	return opts, nil
}

// importTable builds the host import table selected by cfg.
func importTable(cfg *config.Config, log *zap.Logger) hostfunc.Table {
	var tables []hostfunc.Table
	if cfg.WASIEnabled() {
		tables = append(tables, hostfunc.WASI())
	}

	imp := cfg.Imports
	if imp.Host || imp.KV || len(imp.AllowHosts) > 0 {
		registry := hostfunc.NewRegistry()
		if imp.KV {
			hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry)
		}
		if len(imp.AllowHosts) > 0 {
			hostfunc.NewHTTP(hostfunc.HTTPConfig{AllowedHosts: imp.AllowHosts, Logger: log}).Register(registry)
		}

		modOpts := []hostfunc.ModuleOption{hostfunc.WithModuleLogger(log)}
		if imp.ModuleName != "" {
			modOpts = append(modOpts, hostfunc.WithModuleName(imp.ModuleName))
		}
		tables = append(tables, hostfunc.NewModule(registry, modOpts...))
	}

	return hostfunc.Chain(tables...)
}

// prepare resolves config, logger and loader for a command that loads the
// module at args[0] (or the config's url).
func prepare(cmd *cobra.Command, args []string, streams stdio) (*config.Config, *zap.Logger, *loader.Loader, error) {
	log, err := commandLogger(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, nil, nil, err
	}
	if len(args) > 0 {
		cfg.URL = args[0]
	}
	if cfg.URL == "" {
		return nil, nil, nil, fmt.Errorf("module URL required")
	}

	opts, err := loaderOptions(cfg, log, streams)
	if err != nil {
		return nil, nil, nil, err
	}
	l, err := loader.New(opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, l, nil
}
