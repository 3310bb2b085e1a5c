package loader

import (
	"fmt"
	"sort"

	"github.com/jbirddev/nest/hostfunc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Import is one import a module declares.
type Import struct {
	Module    string
	Name      string
	Kind      string
	Signature string
}

func (i Import) String() string {
	return fmt.Sprintf("%s %s.%s %s", i.Kind, i.Module, i.Name, i.Signature)
}

// Export is one function or memory a module exports.
type Export struct {
	Name      string
	Kind      string
	Signature string
}

func (e Export) String() string {
	return fmt.Sprintf("%s %s %s", e.Kind, e.Name, e.Signature)
}

func describeImports(c wazero.CompiledModule) []Import {
	var out []Import
	for _, def := range c.ImportedFunctions() {
		mod, name, _ := def.Import()
		out = append(out, Import{
			Module:    mod,
			Name:      name,
			Kind:      "func",
			Signature: hostfunc.Signature(def.ParamTypes(), def.ResultTypes()),
		})
	}
	for _, def := range c.ImportedMemories() {
		mod, name, _ := def.Import()
		out = append(out, Import{
			Module:    mod,
			Name:      name,
			Kind:      "memory",
			Signature: memoryLimits(def),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func describeExports(c wazero.CompiledModule) []Export {
	var out []Export
	for name, def := range c.ExportedFunctions() {
		out = append(out, Export{
			Name:      name,
			Kind:      "func",
			Signature: hostfunc.Signature(def.ParamTypes(), def.ResultTypes()),
		})
	}
	for name, def := range c.ExportedMemories() {
		out = append(out, Export{
			Name:      name,
			Kind:      "memory",
			Signature: memoryLimits(def),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// memoryLimits renders page limits, e.g. "pages[1..16]" or "pages[1..]".
func memoryLimits(def api.MemoryDefinition) string {
	if hi, ok := def.Max(); ok {
		return fmt.Sprintf("pages[%d..%d]", def.Min(), hi)
	}
	return fmt.Sprintf("pages[%d..]", def.Min())
}
