package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/jbirddev/nest/loader"
	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero/api"
)

var replCmd = &cobra.Command{
	Use:   "repl <url>",
	Short: "Load a module and call its exports interactively",
	Long: `Load a module without running it, then call exports interactively.

Commands:
  call <name> [args...]   Call an export; args are parsed by param type
  exports                 List exports
  imports                 List imports
  memory <offset> <len>   Dump guest memory
  run                     Run the entry point and wait for it
  help                    Show commands
  exit, quit              Leave

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.nest_history)")
	addSessionFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".nest_history")
	}

	cfg, log, l, err := prepare(cmd, args, stdio{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	inst, err := l.Load(context.Background(), cfg.URL, importTable(cfg, log))
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "nest> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		AutoComplete:      exportCompleter(inst),
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "nest REPL for %s (type 'help' for commands, Ctrl+D to exit)\n", cfg.URL)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		quit, err := evalInterruptible(inst, line, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if quit {
			break
		}
	}
	return nil
}

func exportCompleter(inst *loader.Instance) readline.AutoCompleter {
	var calls []readline.PrefixCompleterInterface
	for _, e := range inst.Exports() {
		if e.Kind == "func" {
			calls = append(calls, readline.PcItem(e.Name))
		}
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("call", calls...),
		readline.PcItem("exports"),
		readline.PcItem("imports"),
		readline.PcItem("memory"),
		readline.PcItem("run"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

// evalInterruptible runs evalLine under a context that Ctrl+C cancels, so a
// spinning guest stops without ending the session.
func evalInterruptible(inst *loader.Instance, line string, w io.Writer) (bool, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return evalLine(ctx, inst, line, w)
}

// evalLine executes one REPL command and reports whether to quit.
func evalLine(ctx context.Context, inst *loader.Instance, line string, w io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "exit", "quit":
		return true, nil

	case "help":
		fmt.Fprintln(w, "call <name> [args...] | exports | imports | memory <offset> <len> | run | exit")

	case "exports":
		for _, e := range inst.Exports() {
			fmt.Fprintln(w, e)
		}

	case "imports":
		for _, i := range inst.Imports() {
			fmt.Fprintln(w, i)
		}

	case "call":
		if len(fields) < 2 {
			return false, errors.New("usage: call <name> [args...]")
		}
		return false, callExport(ctx, inst, fields[1], fields[2:], w)

	case "memory":
		if len(fields) != 3 {
			return false, errors.New("usage: memory <offset> <len>")
		}
		return false, dumpMemory(inst, fields[1], fields[2], w)

	case "run":
		task, err := inst.Run(ctx)
		if err != nil {
			return false, err
		}
		res, err := task.Wait(ctx)
		fmt.Fprintf(w, "exit code %d after %v\n", res.ExitCode, res.Duration)
		return false, err

	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return false, nil
}

func callExport(ctx context.Context, inst *loader.Instance, name string, args []string, w io.Writer) error {
	def := inst.Function(name)
	if def == nil {
		return fmt.Errorf("export %q not found", name)
	}

	params := def.ParamTypes()
	if len(args) != len(params) {
		return fmt.Errorf("%s takes %d argument(s), got %d", name, len(params), len(args))
	}

	stack := make([]uint64, len(params))
	for i, t := range params {
		v, err := encodeValue(t, args[i])
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		stack[i] = v
	}

	results, err := inst.Call(ctx, name, stack...)
	if err != nil {
		return err
	}

	out := make([]string, len(results))
	for i, t := range def.ResultTypes() {
		out[i] = decodeValue(t, results[i])
	}
	if len(out) > 0 {
		fmt.Fprintln(w, strings.Join(out, " "))
	}
	return nil
}

func encodeValue(t api.ValueType, s string) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		v, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeI32(int32(v)), nil
	case api.ValueTypeI64:
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeI64(v), nil
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeF32(float32(v)), nil
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeF64(v), nil
	default:
		return 0, fmt.Errorf("unsupported param type %s", api.ValueTypeName(t))
	}
}

func decodeValue(t api.ValueType, v uint64) string {
	switch t {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(api.DecodeI32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	default:
		return fmt.Sprintf("%#x", v)
	}
}

func dumpMemory(inst *loader.Instance, offArg, lenArg string, w io.Writer) error {
	mem := inst.Memory()
	if mem == nil {
		return errors.New("module has no memory")
	}
	off, err := strconv.ParseUint(offArg, 0, 32)
	if err != nil {
		return fmt.Errorf("offset: %w", err)
	}
	n, err := strconv.ParseUint(lenArg, 0, 32)
	if err != nil {
		return fmt.Errorf("length: %w", err)
	}
	buf, ok := mem.Read(uint32(off), uint32(n))
	if !ok {
		return fmt.Errorf("range [%d, %d) out of bounds (memory is %d bytes)", off, off+n, mem.Size())
	}
	fmt.Fprint(w, hex.Dump(buf))
	return nil
}
