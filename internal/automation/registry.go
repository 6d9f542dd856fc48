package automation

import (
	"fmt"
	"sort"
	"strings"
)

// Registry is the typed map of automation modules, populated once at
// startup and read-only afterwards.
type Registry struct {
	modules map[string]Module
}

func NewRegistry(modules ...Module) (*Registry, error) {
	r := &Registry{modules: make(map[string]Module, len(modules))}
	for _, mod := range modules {
		if err := r.register(mod); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(mod Module) error {
	if mod == nil {
		return fmt.Errorf("module is required")
	}
	kind := strings.ToLower(strings.TrimSpace(mod.Kind()))
	if kind == "" {
		return fmt.Errorf("module kind is required")
	}
	if strings.TrimSpace(mod.Version()) == "" {
		return fmt.Errorf("module %q version is required", kind)
	}
	if _, exists := r.modules[kind]; exists {
		return fmt.Errorf("module %q already registered", kind)
	}
	r.modules[kind] = mod
	return nil
}

func (r *Registry) Get(kind string) (Module, bool) {
	mod, ok := r.modules[strings.ToLower(strings.TrimSpace(kind))]
	return mod, ok
}

func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.modules))
	for kind := range r.modules {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
