package hostfunc

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Mismatch is one guest import the runtime cannot satisfy.
type Mismatch struct {
	Module string
	Name   string
	Kind   string // "func" or "memory"
	Want   string
	Have   string
	Reason string
}

func (m Mismatch) String() string {
	s := fmt.Sprintf("%s %s.%s: %s", m.Kind, m.Module, m.Name, m.Reason)
	if m.Have != "" {
		s += fmt.Sprintf(" (want %s, have %s)", m.Want, m.Have)
	}
	return s
}

// MismatchError lists every unsatisfied import.
type MismatchError struct {
	Mismatches []Mismatch
}

func (e *MismatchError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = m.String()
	}
	return fmt.Sprintf("%d unsatisfied import(s): %s", len(e.Mismatches), strings.Join(parts, "; "))
}

// Check verifies that every function and memory import of compiled is
// exported, with a matching signature, by a module already instantiated in
// rt. Global and table imports are not visible on a CompiledModule; a missing
// one surfaces when the module is instantiated.
func Check(rt wazero.Runtime, compiled wazero.CompiledModule) error {
	var ms []Mismatch

	for _, def := range compiled.ImportedFunctions() {
		modName, name, ok := def.Import()
		if !ok {
			continue
		}
		want := Signature(def.ParamTypes(), def.ResultTypes())
		m := Mismatch{Module: modName, Name: name, Kind: "func", Want: want}

		host := rt.Module(modName)
		if host == nil {
			m.Reason = "module not provided"
			ms = append(ms, m)
			continue
		}
		have, ok := host.ExportedFunctionDefinitions()[name]
		if !ok {
			m.Reason = "function not exported"
			ms = append(ms, m)
			continue
		}
		if sig := Signature(have.ParamTypes(), have.ResultTypes()); sig != want {
			m.Reason = "signature mismatch"
			m.Have = sig
			ms = append(ms, m)
		}
	}

	for _, def := range compiled.ImportedMemories() {
		modName, name, ok := def.Import()
		if !ok {
			continue
		}
		m := Mismatch{Module: modName, Name: name, Kind: "memory"}

		host := rt.Module(modName)
		if host == nil {
			m.Reason = "module not provided"
			ms = append(ms, m)
			continue
		}
		if _, ok := host.ExportedMemoryDefinitions()[name]; !ok {
			m.Reason = "memory not exported"
			ms = append(ms, m)
		}
	}

	if len(ms) > 0 {
		return &MismatchError{Mismatches: ms}
	}
	return nil
}

// Signature renders a function type as "(i32,i32)->(i32)".
func Signature(params, results []api.ValueType) string {
	return "(" + typeList(params) + ")->(" + typeList(results) + ")"
}

func typeList(ts []api.ValueType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = api.ValueTypeName(t)
	}
	return strings.Join(names, ",")
}
