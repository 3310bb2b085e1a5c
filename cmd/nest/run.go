package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jbirddev/nest/loader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run [url]",
	Short: "Load a module and run its entry point",
	Long: `Fetch, compile and instantiate a WebAssembly module, then run its entry point.

The module can be given as:
  - URL argument: nest run https://example.com/main.wasm
  - Path argument: nest run ./build/main.wasm
  - Config file: nest run --config nest.yaml

The process exits with the guest's exit code. Interrupt (Ctrl+C) aborts
the guest.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		if path, _ := cmd.Flags().GetString("config"); path == "" {
			cmd.Help()
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code, err := runModule(ctx, cmd, args)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if code != 0 {
		os.Exit(code)
	}
}

// runModule loads and runs the module and returns the process exit status.
func runModule(ctx context.Context, cmd *cobra.Command, args []string) (int, error) {
	cfg, log, l, err := prepare(cmd, args, stdio{
		stdin:  os.Stdin,
		stdout: cmd.OutOrStdout(),
		stderr: cmd.ErrOrStderr(),
	})
	if err != nil {
		return 1, err
	}
	defer l.Close()
	defer log.Sync()

	task, err := l.Start(ctx, cfg.URL, importTable(cfg, log))
	if err != nil {
		return 1, err
	}

	res, err := task.Wait(context.Background())
	log.Debug("run finished",
		zap.String("url", cfg.URL),
		zap.Uint32("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
	)
	return exitStatus(res, err), quietExit(err)
}

// exitStatus maps a guest result to a process status.
func exitStatus(res loader.Result, err error) int {
	if res.ExitCode > 0 && res.ExitCode < 256 {
		return int(res.ExitCode)
	}
	if err != nil {
		return 1
	}
	return 0
}

// quietExit drops the error for a plain non-zero guest exit; the status
// already says everything.
func quietExit(err error) error {
	var le *loader.Error
	if errors.As(err, &le) && le.Phase == loader.PhaseRun {
		var exit interface{ ExitCode() uint32 }
		if errors.As(le.Cause, &exit) && exit.ExitCode() < 256 {
			return nil
		}
	}
	return err
}
