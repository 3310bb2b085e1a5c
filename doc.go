// Package nest loads WebAssembly modules and hands control to their entry
// point.
//
// # Overview
//
// A module is fetched over http(s) or from disk, compiled, instantiated
// against a host import table and run. Fetches bypass HTTP caches by default
// so a rebuilt module is always picked up.
//
// # Basic Usage
//
//	l, _ := loader.New(loader.WithTimeout(30 * time.Second))
//	defer l.Close()
//
//	task, err := l.Start(ctx, "https://example.com/main.wasm", hostfunc.WASI())
//	if err != nil {
//	    // errors.Is(err, loader.ErrFetch), loader.ErrCompile, ...
//	}
//	res, err := task.Wait(ctx)
//	fmt.Println(res.ExitCode)
//
// # Host Imports
//
//	registry := hostfunc.NewRegistry()
//	hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry)
//
//	table := hostfunc.Chain(hostfunc.WASI(), hostfunc.NewModule(registry))
//	task, err := l.Start(ctx, url, table)
//
// See the [loader], [fetch] and [hostfunc] packages for detailed API
// documentation.
package nest
