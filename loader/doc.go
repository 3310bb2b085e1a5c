// Package loader fetches a WebAssembly module, instantiates it against a
// host import table and hands control to its entry point.
//
// # Basic Usage
//
//	l, err := loader.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Close()
//
//	task, err := l.Start(ctx, "https://example.com/main.wasm", hostfunc.WASI())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := task.Wait(ctx)
//
// # Sequence
//
// Load runs a fixed sequence and stops at the first failure:
//
//  1. fetch the bytes (cache bypassed by default)
//  2. compile
//  3. instantiate the import table
//  4. verify every import and the entry export
//  5. instantiate the module with start functions disabled
//
// Neither the table nor the module is instantiated unless compilation
// succeeded, and Load never invokes the entry point. Run does, on its own
// goroutine, and returns a [Task].
//
// # Errors
//
// Every failure is an [*Error] carrying the [Phase] it came from:
//
//	if errors.Is(err, loader.ErrFetch) { ... }
//
// A Loader loads one module, once. A second Load returns [ErrAlreadyLoaded]
// and a second Run returns [ErrAlreadyRunning].
//
// # Cancellation
//
// The runtime closes the guest when the run context ends, so both
// [Task.Cancel] and [WithTimeout] stop a guest stuck in a loop.
package loader
