package main

import (
	"fmt"
	"os"

	"github.com/jbirddev/nest/hostfunc"
	"github.com/jbirddev/nest/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "nest [url]",
	Short: "WebAssembly module loader",
	Long: `nest - Fetch, instantiate and run WebAssembly modules.

A module is loaded from an http(s) URL or a local path, compiled,
instantiated against a host import table (WASI and the nest host module),
and its entry point is run. The process exits with the guest's exit code.

Modules are always fetched with Cache-Control: no-cache unless
--allow-cached is given.`,
	Args:          cobra.MaximumNArgs(1),
	Run:           runRun, // Default to run command behavior
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file (flags override it)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format: console, json")
	rootCmd.PersistentFlags().Bool("disk-cache", false, "Persist compiled modules between runs")
	rootCmd.PersistentFlags().String("cache-dir", "", "Compilation cache directory (default: ~/.cache/nest)")

	// Add run-specific flags to root (for default command)
	addRunFlags(rootCmd)
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log format %q (expected console or json)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// commandLogger builds the logger from the persistent flags.
func commandLogger(cmd *cobra.Command) (*zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return newLogger(level, format)
}

// loadConfig reads --config when given and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if cmd.Flags().Changed("disk-cache") {
		cfg.DiskCache, _ = cmd.Flags().GetBool("disk-cache")
	}
	if cmd.Flags().Changed("cache-dir") {
		cfg.CacheDir, _ = cmd.Flags().GetString("cache-dir")
		cfg.DiskCache = true
	}
	return cfg, nil
}

func parseMount(spec string) (config.Mount, error) {
	m, err := hostfunc.ParseMount(spec)
	if err != nil {
		return config.Mount{}, err
	}
	return config.Mount{Guest: m.GuestPath, Host: m.HostPath, Mode: m.Mode.String()}, nil
}
