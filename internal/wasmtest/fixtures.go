package wasmtest

// Noop exports an empty _start.
func Noop() []byte {
	m := New()
	m.Func("_start", nil, nil)
	return m.Bytes()
}

// Exit exports _start calling wasi_snapshot_preview1.proc_exit(code).
func Exit(code int32) []byte {
	m := New()
	procExit := m.Import("wasi_snapshot_preview1", "proc_exit", []byte{I32}, nil)
	m.Func("_start", nil, nil, Seq(I32Const(code), Call(procExit))...)
	return m.Bytes()
}

// Spin exports a _start that never returns.
func Spin() []byte {
	m := New()
	m.Func("_start", nil, nil, InfiniteLoop()...)
	return m.Bytes()
}

// Trap exports a _start that hits unreachable.
func Trap() []byte {
	m := New()
	m.Func("_start", nil, nil, OpUnreachable)
	return m.Bytes()
}

// NeedsImport imports module.name as a nullary function and calls it from
// _start.
func NeedsImport(module, name string) []byte {
	m := New()
	fn := m.Import(module, name, nil, nil)
	m.Func("_start", nil, nil, Call(fn)...)
	return m.Bytes()
}

// Adder exports add(i32, i32) i32 next to an empty _start.
func Adder() []byte {
	m := New()
	m.Func("_start", nil, nil)
	m.Func("add", []byte{I32, I32}, []byte{I32}, Seq(LocalGet(0), LocalGet(1), []byte{OpI32Add})...)
	return m.Bytes()
}

// Garbage is not a WebAssembly module.
func Garbage() []byte {
	return []byte("<!doctype html><title>not wasm</title>")
}
