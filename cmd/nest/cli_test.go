package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jbirddev/nest/internal/config"
	"github.com/jbirddev/nest/internal/wasmtest"
	"github.com/jbirddev/nest/loader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"nest",
		"WebAssembly",
		"no-cache",
		"run",
		"inspect",
		"repl",
		"serve",
		"schema",
		"cache",
		"--config",
		"--log-level",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--entry",
		"--timeout",
		"--arg",
		"--env",
		"--mount",
		"--memory",
		"--allow-cached",
		"--retry",
		"--no-wasi",
		"--kv",
		"--allow-host",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--history", "call <name>", "Command history", "Line editing"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--port", "--api", "application/wasm", "/instances", "/health"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLISchema(t *testing.T) {
	output, err := executeCommand(rootCmd, "schema")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, `"allow_hosts"`) {
		t.Errorf("schema output missing allow_hosts: %s", output)
	}
}

func TestCLICacheDir(t *testing.T) {
	dir := t.TempDir()
	output, err := executeCommand(rootCmd, "cache", "dir", "--cache-dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != dir {
		t.Errorf("cache dir = %q, want %q", output, dir)
	}
}

func TestCLICacheClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "entry"), []byte("compiled"), 0o644)

	if _, err := executeCommand(rootCmd, "cache", "clear", "--cache-dir", dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("cache directory should be removed")
	}
}

func TestCLIMountParsing(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"/data:./input:ro", false},
		{"/data:./input:rw", false},
		{"/data:./input", true},     // missing mode
		{"/data:./input:bad", true}, // invalid mode
		{"invalid", true},           // no colons
	}

	for _, tc := range tests {
		_, err := parseMount(tc.spec)
		if tc.wantErr && err == nil {
			t.Errorf("parseMount(%q) should error", tc.spec)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("parseMount(%q) unexpected error: %v", tc.spec, err)
		}
	}
}

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addRunFlags(cmd)
	err := cmd.ParseFlags([]string{
		"--entry", "main",
		"--arg", "a", "--arg", "b c",
		"--env", "K=V=W",
		"--timeout", "2s",
		"--mount", "/data:./in:rw",
		"--memory", "64mb",
		"--allow-cached",
		"--retry", "3",
		"--no-wasi",
		"--kv",
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	if err := applyFlags(cmd, cfg); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}

	if cfg.Entry != "main" {
		t.Errorf("Entry = %q", cfg.Entry)
	}
	if strings.Join(cfg.Args, "|") != "a|b c" {
		t.Errorf("Args = %q", cfg.Args)
	}
	if cfg.Env["K"] != "V=W" {
		t.Errorf("Env = %v", cfg.Env)
	}
	if cfg.Timeout.Std().Seconds() != 2 {
		t.Errorf("Timeout = %v", cfg.Timeout.Std())
	}
	if len(cfg.Mounts) != 1 || cfg.Mounts[0].Mode != "rw" {
		t.Errorf("Mounts = %+v", cfg.Mounts)
	}
	if cfg.CacheBypass() {
		t.Error("--allow-cached should disable cache bypass")
	}
	if cfg.Retry.Attempts != 3 {
		t.Errorf("Retry.Attempts = %d", cfg.Retry.Attempts)
	}
	if cfg.WASIEnabled() {
		t.Error("--no-wasi should disable WASI")
	}
	if !cfg.Imports.KV {
		t.Error("--kv not applied")
	}
}

func TestApplyFlagsLeavesConfigWhenUnset(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addRunFlags(cmd)
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Entry = "from_file"
	cfg.Retry.Attempts = 5
	if err := applyFlags(cmd, cfg); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if cfg.Entry != "from_file" || cfg.Retry.Attempts != 5 {
		t.Errorf("unset flags overrode config: %+v", cfg)
	}
	if !cfg.CacheBypass() {
		t.Error("cache bypass should stay on")
	}
}

func TestApplyFlagsRejectsBadEnv(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addRunFlags(cmd)
	cmd.ParseFlags([]string{"--env", "NOEQUALS"})

	if err := applyFlags(cmd, config.Default()); err == nil {
		t.Error("expected error for env without =")
	}
}

func TestLoaderOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Memory = "100kb"
	if _, err := loaderOptions(cfg, zap.NewNop(), stdio{}); err == nil {
		t.Error("expected error for memory that is not whole pages")
	}

	cfg.Memory = "16mb"
	cfg.Mounts = []config.Mount{{Guest: "/data", Host: t.TempDir(), Mode: "ro"}}
	opts, err := loaderOptions(cfg, zap.NewNop(), stdio{})
	if err != nil {
		t.Fatalf("loaderOptions: %v", err)
	}
	l, err := loader.New(opts...)
	if err != nil {
		t.Fatalf("loader.New: %v", err)
	}
	l.Close()
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name string
		res  loader.Result
		err  error
		want int
	}{
		{"success", loader.Result{}, nil, 0},
		{"guest exit", loader.Result{ExitCode: 3}, loader.ErrRun, 3},
		{"cancelled", loader.Result{ExitCode: 0xffffffff}, loader.ErrRun, 1},
		{"load failure", loader.Result{}, loader.ErrFetch, 1},
	}
	for _, tt := range tests {
		if got := exitStatus(tt.res, tt.err); got != tt.want {
			t.Errorf("%s: exitStatus = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", "json"); err != nil {
		t.Errorf("json logger: %v", err)
	}
	if _, err := newLogger("info", "console"); err != nil {
		t.Errorf("console logger: %v", err)
	}
	if _, err := newLogger("loud", "console"); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := newLogger("info", "xml"); err == nil {
		t.Error("expected error for bad format")
	}
}

func TestProgramOutput(t *testing.T) {
	tests := map[string]string{
		"https://example.com/app/main.wasm?v=2": "main.wasm",
		"./build/tool.wasm":                     "tool.wasm",
		"https://example.com/":                  "module.wasm",
	}
	for in, want := range tests {
		if got := programOutput(in); got != want {
			t.Errorf("programOutput(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCLICompletionCommands(t *testing.T) {
	found := false
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "completion" {
			found = true
			break
		}
	}
	if !found {
		t.Error("completion command should exist (provided by cobra)")
	}
}

func TestCLIFetch(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("fetch without no-cache: %q", r.Header.Get("Cache-Control"))
		}
		w.Write(wasmtest.Noop())
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "main.wasm")
	if _, err := executeCommand(rootCmd, "fetch", srv.URL+"/main.wasm", "-o", out); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, wasmtest.Noop()) {
		t.Error("fetched bytes differ")
	}

	if _, err := executeCommand(rootCmd, "fetch", srv.URL+"/main.wasm", "-o", out, "--if-missing"); err != nil {
		t.Fatalf("fetch --if-missing: %v", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}
