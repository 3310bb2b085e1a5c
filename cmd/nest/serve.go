package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jbirddev/nest/hostfunc"
	"github.com/jbirddev/nest/internal/config"
	"github.com/jbirddev/nest/loader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [dir]",
	Short: "Serve a site that bootstraps WebAssembly modules",
	Long: `Serve a static directory for browser bootstrapping, and optionally load
modules from it on the server.

Modules (.wasm) are served as application/wasm with Cache-Control: no-cache
so a reload always picks up a rebuilt module.

Endpoints:
  GET    /                       Static files from dir
  GET    /health                 Health check

With --api:
  POST   /run                    Run a module from dir, returns exit code and output
  POST   /instances              Load a module, returns {"instance_id":"..."}
  POST   /instances/{id}/call    Call an export {"fn":"add","args":[1,2]}
  DELETE /instances/{id}         Close instance`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Bool("api", false, "Enable the module API")
	serveCmd.Flags().Duration("ttl", 15*time.Minute, "Idle time before an API instance is closed")
	addSessionFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	api, _ := cmd.Flags().GetBool("api")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return fmt.Errorf("serve: %s is not a directory", dir)
	}

	log, err := commandLogger(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	srv := &server{root: root, log: log}
	if api {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return err
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = config.Duration(defaultServeTimeout)
		}
		base, err := loaderOptions(cfg, log, stdio{})
		if err != nil {
			return err
		}
		srv.baseOpts = base
		srv.table = func() hostfunc.Table { return importTable(cfg, log) }
		srv.instances = newInstanceManager(ttl)
		defer srv.instances.closeAll()
	}

	addr := fmt.Sprintf(":%d", port)
	log.Info("listening", zap.String("addr", addr), zap.String("root", root), zap.Bool("api", api))
	fmt.Fprintf(os.Stderr, "nest serving %s on %s\n", root, addr)
	return http.ListenAndServe(addr, srv.handler())
}

const defaultServeTimeout = 30 * time.Second

type server struct {
	root      string
	log       *zap.Logger
	baseOpts  []loader.Option
	table     func() hostfunc.Table
	instances *instanceManager
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /", moduleHeaders(http.FileServer(http.Dir(s.root))))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if s.instances != nil {
		mux.HandleFunc("POST /run", s.handleRun)
		mux.HandleFunc("POST /instances", s.handleCreate)
		mux.HandleFunc("POST /instances/{id}/call", s.handleCall)
		mux.HandleFunc("DELETE /instances/{id}", s.handleDelete)
	}
	return mux
}

// moduleHeaders marks .wasm responses so browsers can compile them while
// streaming and never reuse a stale build.
func moduleHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".wasm") {
			w.Header().Set("Content-Type", "application/wasm")
			w.Header().Set("Cache-Control", "no-cache")
		}
		next.ServeHTTP(w, r)
	})
}

// modulePath resolves a module name inside the served directory.
func (s *server) modulePath(name string) (string, error) {
	if name == "" {
		return "", errors.New("module required")
	}
	clean := filepath.Clean("/" + filepath.ToSlash(name))
	if filepath.Ext(clean) != ".wasm" {
		return "", fmt.Errorf("module %q is not a .wasm file", name)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

type runRequest struct {
	Module  string   `json:"module"`
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

type runResponse struct {
	ExitCode   uint32 `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type createRequest struct {
	Module string `json:"module"`
}

type createResponse struct {
	InstanceID string          `json:"instance_id"`
	Exports    []loader.Export `json:"exports"`
}

type callRequest struct {
	Fn   string        `json:"fn"`
	Args []json.Number `json:"args,omitempty"`
}

type callResponse struct {
	Results []string `json:"results"`
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	path, err := s.modulePath(req.Module)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var stdout, stderr bytes.Buffer
	opts := append(slices.Clone(s.baseOpts),
		loader.WithArgs(req.Args...),
		loader.WithStdout(&stdout),
		loader.WithStderr(&stderr),
	)
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		opts = append(opts, loader.WithTimeout(d))
	}

	l, err := loader.New(opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer l.Close()

	var resp runResponse
	task, err := l.Start(r.Context(), path, s.table())
	if err == nil {
		var res loader.Result
		res, err = task.Wait(r.Context())
		resp.ExitCode = res.ExitCode
		resp.DurationMs = res.Duration.Milliseconds()
	}
	if err != nil {
		resp.Error = err.Error()
	}
	resp.Stdout = stdout.String()
	resp.Stderr = stderr.String()

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	path, err := s.modulePath(req.Module)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inst, err := s.instances.create(r.Context(), path, s.table(), s.baseOpts...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, loader.ErrFetch) || errors.Is(err, loader.ErrCompile) || errors.Is(err, loader.ErrInstantiate) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, fmt.Sprintf("failed to load module: %v", err), status)
		return
	}

	s.log.Info("instance created", zap.String("instance", inst.ID), zap.String("module", req.Module))
	writeJSON(w, http.StatusOK, createResponse{InstanceID: inst.ID, Exports: inst.Exports()})
}

func (s *server) handleCall(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instances.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}

	var req callRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	def := inst.Function(req.Fn)
	if def == nil {
		http.Error(w, fmt.Sprintf("export %q not found", req.Fn), http.StatusNotFound)
		return
	}
	params := def.ParamTypes()
	if len(req.Args) != len(params) {
		http.Error(w, fmt.Sprintf("%s takes %d argument(s)", req.Fn, len(params)), http.StatusBadRequest)
		return
	}
	stack := make([]uint64, len(params))
	for i, t := range params {
		v, err := encodeValue(t, req.Args[i].String())
		if err != nil {
			http.Error(w, fmt.Sprintf("argument %d: %v", i, err), http.StatusBadRequest)
			return
		}
		stack[i] = v
	}

	results, err := inst.Call(r.Context(), req.Fn, stack...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := callResponse{Results: make([]string, len(results))}
	for i, t := range def.ResultTypes() {
		resp.Results[i] = decodeValue(t, results[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.instances.close(r.PathValue("id")) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "instance not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// instanceManager keeps loaded instances for the API and closes idle ones.
type instanceManager struct {
	instances map[string]*managedInstance
	mu        sync.Mutex
	ttl       time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

type managedInstance struct {
	loader   *loader.Loader
	instance *loader.Instance
	lastUsed time.Time
}

func newInstanceManager(ttl time.Duration) *instanceManager {
	im := &instanceManager{
		instances: make(map[string]*managedInstance),
		ttl:       ttl,
		done:      make(chan struct{}),
	}
	go im.cleanup()
	return im
}

func (im *instanceManager) create(ctx context.Context, path string, table hostfunc.Table, opts ...loader.Option) (*loader.Instance, error) {
	l, err := loader.New(opts...)
	if err != nil {
		return nil, err
	}
	inst, err := l.Load(ctx, path, table)
	if err != nil {
		l.Close()
		return nil, err
	}

	im.mu.Lock()
	im.instances[inst.ID] = &managedInstance{
		loader:   l,
		instance: inst,
		lastUsed: time.Now(),
	}
	im.mu.Unlock()
	return inst, nil
}

func (im *instanceManager) get(id string) (*loader.Instance, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()

	mi, ok := im.instances[id]
	if !ok {
		return nil, false
	}
	mi.lastUsed = time.Now()
	return mi.instance, true
}

func (im *instanceManager) close(id string) bool {
	im.mu.Lock()
	mi, ok := im.instances[id]
	if ok {
		delete(im.instances, id)
	}
	im.mu.Unlock()

	if ok {
		mi.loader.Close()
	}
	return ok
}

func (im *instanceManager) len() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return len(im.instances)
}

func (im *instanceManager) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-im.done:
			return
		case <-ticker.C:
			im.expire(time.Now())
		}
	}
}

// expire closes instances idle since before now-ttl.
func (im *instanceManager) expire(now time.Time) {
	im.mu.Lock()
	var stale []*managedInstance
	for id, mi := range im.instances {
		if now.Sub(mi.lastUsed) > im.ttl {
			stale = append(stale, mi)
			delete(im.instances, id)
		}
	}
	im.mu.Unlock()

	for _, mi := range stale {
		mi.loader.Close()
	}
}

func (im *instanceManager) closeAll() {
	im.closeOnce.Do(func() { close(im.done) })

	im.mu.Lock()
	all := im.instances
	im.instances = make(map[string]*managedInstance)
	im.mu.Unlock()

	for _, mi := range all {
		mi.loader.Close()
	}
}
