package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jbirddev/nest/hostfunc"
)

func TestParseFull(t *testing.T) {
	data := []byte(`
url: https://example.com/main.wasm
entry: main
args: [--verbose, input.txt]
env:
  HOME: /home/guest
mounts:
  - guest: /data
    host: ./testdata
    mode: rw
  - guest: /etc/app
    host: /etc/app
timeout: 45s
memory: 64mb
no_cache: false
disk_cache: true
cache_dir: /tmp/nest
retry:
  attempts: 3
  backoff: 500ms
imports:
  wasi: false
  host: true
  kv: true
  allow_hosts: [api.example.com]
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.URL != "https://example.com/main.wasm" || cfg.Entry != "main" {
		t.Errorf("URL/Entry = %q/%q", cfg.URL, cfg.Entry)
	}
	if strings.Join(cfg.Args, " ") != "--verbose input.txt" {
		t.Errorf("Args = %v", cfg.Args)
	}
	if cfg.Env["HOME"] != "/home/guest" {
		t.Errorf("Env = %v", cfg.Env)
	}
	if cfg.Timeout.Std() != 45*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout.Std())
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.Backoff.Std() != 500*time.Millisecond {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.CacheBypass() {
		t.Error("CacheBypass = true, want false")
	}
	if cfg.WASIEnabled() {
		t.Error("WASIEnabled = true, want false")
	}
	if !cfg.Imports.Host || !cfg.Imports.KV || len(cfg.Imports.AllowHosts) != 1 {
		t.Errorf("Imports = %+v", cfg.Imports)
	}

	pages, err := cfg.MemoryPages()
	if err != nil || pages != 1024 {
		t.Errorf("MemoryPages = %d, %v; want 1024", pages, err)
	}

	mounts, err := cfg.HostMounts()
	if err != nil {
		t.Fatalf("HostMounts: %v", err)
	}
	if len(mounts) != 2 {
		t.Fatalf("mounts = %+v", mounts)
	}
	if mounts[0].Mode != hostfunc.MountReadWrite || mounts[1].Mode != hostfunc.MountReadOnly {
		t.Errorf("modes = %v, %v", mounts[0].Mode, mounts[1].Mode)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(empty): %v", err)
	}
	if cfg.Entry != "_start" {
		t.Errorf("Entry = %q", cfg.Entry)
	}
	if !cfg.CacheBypass() {
		t.Error("cache bypass should default on")
	}
	if !cfg.WASIEnabled() {
		t.Error("WASI should default on")
	}
	if cfg.Retry.Attempts != 1 {
		t.Errorf("Retry.Attempts = %d", cfg.Retry.Attempts)
	}
	if pages, _ := cfg.MemoryPages(); pages != 0 {
		t.Errorf("MemoryPages = %d", pages)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "urll: x", "field urll not found"},
		{"bad duration", "timeout: soon", "invalid duration"},
		{"bad memory", "memory: lots", "invalid memory size"},
		{"mount mode", "mounts: [{guest: /d, host: ., mode: rwx}]", "Mounts[0].Mode must be one of"},
		{"relative guest", "mounts: [{guest: d, host: .}]", "Mounts[0].Guest must start with"},
		{"missing host", "mounts: [{guest: /d}]", "Mounts[0].Host is required"},
		{"retry bound", "retry: {attempts: 99}", "Retry.Attempts failed lte=10"},
		{"negative timeout", "timeout: -1s", "Timeout failed gte=0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nest.yaml")
	if err := os.WriteFile(path, []byte("url: ./main.wasm\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.URL != "./main.wasm" {
		t.Errorf("URL = %q", cfg.URL)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"64kb", 1, false},
		{"1mb", 16, false},
		{"16MB", 256, false},
		{"256mb", 4096, false},
		{"1gb", 16384, false},
		{"4gb", 65536, false},
		{"65536b", 1, false},
		{"8gb", 0, true},
		{"17179869184gb", 0, true},
		{"8589934593gb", 0, true},
		{"9007199254740992kb", 0, true},
		{"9223372036854775807b", 0, true},
		{"100kb", 0, true},
		{"0mb", 0, true},
		{"mb", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseMemory(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMemory(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMemory(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSchema(t *testing.T) {
	out, err := Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		t.Fatalf("no properties in schema: %s", out)
	}
	for _, key := range []string{"url", "entry", "no_cache", "disk_cache", "retry", "imports", "timeout"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
	timeout, _ := props["timeout"].(map[string]any)
	if timeout["type"] != "string" {
		t.Errorf("timeout schema = %v, want string type", timeout)
	}
}
