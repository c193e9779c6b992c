package tools

import (
	"strings"

	"fixline/internal/promql"
	"fixline/internal/schema"
)

// Builtins bundles the transports the built-in adapters need.
type Builtins struct {
	Metrics       promql.Source
	Commands      Requester
	CommandPrefix string
	IaCRunner     Runner
	IaCRoot       string
}

// NewBuiltinRegistry registers the built-in adapters, limited to allow when it is non-empty.
func NewBuiltinRegistry(b Builtins, allow []string) *Registry {
	subject := "fixline.commands." + RestartClientName
	if b.CommandPrefix != "" {
		subject = b.CommandPrefix + "." + RestartClientName
	}
	all := []Adapter{
		QueryMetrics{Source: b.Metrics},
		RestartClient{Requester: b.Commands, Subject: subject},
		IaCApply{Runner: b.IaCRunner, Root: b.IaCRoot},
	}
	allowed := map[string]bool{}
	for _, name := range allow {
		allowed[name] = true
	}
	reg := NewRegistry()
	for _, a := range all {
		if len(allowed) == 0 || allowed[a.Definition().Name] {
			reg.Register(a)
		}
	}
	return reg
}

// Schemas builds the validator registry from the adapters' built-in schemas,
// replaced by any overrides found in dir.
func Schemas(reg *Registry, dir string) (*schema.Registry, error) {
	return AllowedSchemas(reg, dir, nil)
}

// AllowedSchemas is Schemas limited to the adapters named in allow. An empty
// allow keeps every registered adapter. Overrides never add tools the
// registry cannot apply.
func AllowedSchemas(reg *Registry, dir string, allow []string) (*schema.Registry, error) {
	defs := reg.Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if len(allow) > 0 {
		names = intersect(names, allow)
	}
	var overrides []schema.Definition
	if dir != "" {
		loaded, err := schema.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		overrides = loaded
	}
	if len(names) == 0 {
		return schema.NewRegistry(nil)
	}
	return schema.NewRegistry(schema.Merge(defs, overrides, names))
}

func intersect(names, allow []string) []string {
	want := make(map[string]bool, len(allow))
	for _, a := range allow {
		want[strings.TrimSpace(a)] = true
	}
	var out []string
	for _, n := range names {
		if want[n] {
			out = append(out, n)
		}
	}
	return out
}
