package hostfunc

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

const (
	// DefaultModuleName is the import module guests use for the
	// runtime-support surface.
	DefaultModuleName = "nest"

	DefaultMaxMessageSize = 1 << 20 // 1MB
)

// Export names of the runtime-support module.
const (
	FuncCall   = "call"
	FuncTake   = "take"
	FuncLog    = "log"
	FuncNow    = "now"
	FuncSleep  = "sleep"
	FuncRandom = "random"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// Module is a host module exposing registry dispatch plus memory, clock,
// scheduling and entropy helpers to the guest.
//
// A guest calls a registered function in two steps: call(req_ptr, req_len)
// dispatches a JSON CallRequest and returns the length of the JSON
// CallResponse, then take(dst_ptr, cap) copies it into guest memory.
type Module struct {
	name     string
	registry *Registry
	log      *zap.Logger
	maxMsg   uint32

	mu      sync.Mutex
	pending []byte
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithModuleName overrides the import module name.
func WithModuleName(name string) ModuleOption {
	return func(m *Module) {
		m.name = name
	}
}

// WithModuleLogger sets the logger receiving guest log lines.
func WithModuleLogger(l *zap.Logger) ModuleOption {
	return func(m *Module) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMaxMessageSize bounds request and response payloads.
func WithMaxMessageSize(n uint32) ModuleOption {
	return func(m *Module) {
		m.maxMsg = n
	}
}

// NewModule returns a Module dispatching to a copy of registry. time_now is
// registered unless the registry already provides it.
func NewModule(registry *Registry, opts ...ModuleOption) *Module {
	if registry == nil {
		registry = NewRegistry()
	}
	m := &Module{
		name:     DefaultModuleName,
		registry: registry.Clone(),
		log:      zap.NewNop(),
		maxMsg:   DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(m)
	}

	if _, ok := m.registry.Get("time_now"); !ok {
		m.registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
			return float64(time.Now().UnixNano()) / 1e9, nil
		})
	}
	return m
}

// Name returns the import module name.
func (m *Module) Name() string {
	return m.name
}

// Registry returns the registry calls are dispatched to.
func (m *Module) Registry() *Registry {
	return m.registry
}

func (m *Module) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(m.name)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.call), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("req_ptr", "req_len").
		Export(FuncCall)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.take), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("dst_ptr", "cap").
		Export(FuncTake)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.logLine), []api.ValueType{i32, i32}, nil).
		WithParameterNames("ptr", "len").
		Export(FuncLog)

	b.NewFunctionBuilder().
		WithGoFunction(api.GoFunc(now), nil, []api.ValueType{i64}).
		Export(FuncNow)

	b.NewFunctionBuilder().
		WithGoFunction(api.GoFunc(sleep), []api.ValueType{i32}, nil).
		WithParameterNames("ms").
		Export(FuncSleep)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(fillRandom), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("ptr", "len").
		Export(FuncRandom)

	_, err := b.Instantiate(ctx)
	return err
}

func (m *Module) call(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, length := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])

	var resp CallResponse
	mem := mod.Memory()
	switch {
	case mem == nil:
		resp = CallResponse{Error: "guest has no memory"}
	case length > m.maxMsg:
		resp = CallResponse{Error: "request exceeds max size"}
	default:
		raw, ok := mem.Read(ptr, length)
		if !ok {
			resp = CallResponse{Error: "request out of bounds"}
			break
		}
		var req CallRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			resp = CallResponse{Error: "invalid call format"}
			break
		}
		resp = m.dispatch(ctx, req)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(CallResponse{Error: "unencodable result: " + err.Error()})
	}
	if uint32(len(data)) > m.maxMsg {
		data, _ = json.Marshal(CallResponse{Error: "response exceeds max size"})
	}

	m.mu.Lock()
	m.pending = data
	m.mu.Unlock()

	stack[0] = api.EncodeI32(int32(len(data)))
}

func (m *Module) dispatch(ctx context.Context, req CallRequest) CallResponse {
	fn, ok := m.registry.Get(req.Fn)
	if !ok {
		return CallResponse{Error: "unknown function: " + req.Fn}
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	result, err := fn(ctx, req.Args)
	if err != nil {
		m.log.Debug("host call failed", zap.String("fn", req.Fn), zap.Error(err))
		return CallResponse{Error: err.Error()}
	}
	return CallResponse{Data: result}
}

// take returns bytes written, 0 when nothing is pending, or -1 when the
// buffer is too small or out of bounds. A failed take keeps the response.
func (m *Module) take(_ context.Context, mod api.Module, stack []uint64) {
	dst, capacity := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		stack[0] = api.EncodeI32(0)
		return
	}
	mem := mod.Memory()
	if mem == nil || uint32(len(m.pending)) > capacity || !mem.Write(dst, m.pending) {
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = api.EncodeI32(int32(len(m.pending)))
	m.pending = nil
}

func (m *Module) logLine(_ context.Context, mod api.Module, stack []uint64) {
	ptr, length := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	if length > m.maxMsg {
		length = m.maxMsg
	}
	mem := mod.Memory()
	if mem == nil {
		return
	}
	raw, ok := mem.Read(ptr, length)
	if !ok {
		m.log.Warn("guest log out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", length))
		return
	}
	m.log.Info(string(raw), zap.String("module", mod.Name()))
}

func now(_ context.Context, stack []uint64) {
	stack[0] = api.EncodeI64(time.Now().UnixNano())
}

func sleep(ctx context.Context, stack []uint64) {
	ms := api.DecodeI32(stack[0])
	if ms <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func fillRandom(_ context.Context, mod api.Module, stack []uint64) {
	ptr, length := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	mem := mod.Memory()
	if mem == nil || uint64(ptr)+uint64(length) > uint64(mem.Size()) {
		stack[0] = api.EncodeI32(-1)
		return
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil || !mem.Write(ptr, buf) {
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = api.EncodeI32(0)
}
