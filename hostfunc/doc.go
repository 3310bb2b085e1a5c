// Package hostfunc provides the host import surface a loaded module is
// instantiated against.
//
// # Overview
//
// A [Table] installs host modules into a wazero runtime. The loader treats a
// table as opaque: it instantiates it once, after the guest compiled, and then
// uses [Check] to verify that every import the guest declares is satisfied.
//
//	table := hostfunc.Chain(
//	    hostfunc.WASI(),
//	    hostfunc.NewModule(registry),
//	)
//
// # Built-in Tables
//
// [WASI] provides wasi_snapshot_preview1, which is what wasip1 toolchains
// (Go, TinyGo, Rust) import for syscalls, clocks and entropy.
//
// [Module] provides the "nest" runtime-support module: registry dispatch
// (call/take), guest logging, a wall clock, a sleep callback and random
// fill. Guests that want host services beyond WASI import from it.
//
// # Registry
//
// The [Registry] holds named functions reachable through call. Arguments
// and results are JSON:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("greet", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "hello " + args["name"].(string), nil
//	})
//
// Capabilities register themselves:
//
//	hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry)
//	hostfunc.NewHTTP(hostfunc.HTTPConfig{AllowedHosts: []string{"api.example.com"}}).Register(registry)
//
// # Security Model
//
// Nothing is reachable unless a table provides it. HTTP is limited to
// allowed hosts, the KV store is bounded, and memory access is bounds
// checked against the guest's own memory.
package hostfunc
