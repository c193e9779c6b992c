package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Definition is the raw JSON Schema for one tool's params.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

type Tool struct {
	Definition
	compiled *jsonschema.Schema
}

// Registry is an immutable allowlist of tools and their compiled schemas.
type Registry struct {
	version string
	tools   map[string]Tool
}

// NewRegistry compiles defs. The version is a digest of the sorted definitions.
func NewRegistry(defs []Definition) (*Registry, error) {
	sorted := append([]Definition(nil), defs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	tools := make(map[string]Tool, len(sorted))
	h := sha256.New()
	for _, d := range sorted {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("tool definition without name")
		}
		if _, dup := tools[d.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %s", d.Name)
		}
		var canonical bytes.Buffer
		if err := json.Compact(&canonical, d.Schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema json: %w", d.Name, err)
		}
		url := d.Name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(canonical.Bytes())); err != nil {
			return nil, fmt.Errorf("tool %s: add schema: %w", d.Name, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", d.Name, err)
		}
		d.Schema = canonical.Bytes()
		tools[d.Name] = Tool{Definition: d, compiled: compiled}
		h.Write([]byte(d.Name))
		h.Write([]byte{0})
		h.Write(canonical.Bytes())
		h.Write([]byte{0})
	}
	return &Registry{version: "sha256:" + hex.EncodeToString(h.Sum(nil))[:16], tools: tools}, nil
}

func (r *Registry) Version() string {
	if r == nil {
		return ""
	}
	return r.version
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the allowlist sorted by name.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadDir reads *.json files from dir. Each file holds one Definition; when the
// file has no "name", the file stem is used.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var defs []Definition
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var d Definition
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		if d.Name == "" {
			d.Name = strings.TrimSuffix(e.Name(), ".json")
		}
		if len(d.Schema) == 0 {
			return nil, fmt.Errorf("%s: schema is required", e.Name())
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// Merge overlays overrides on base by name and keeps only names in allow when allow is non-empty.
func Merge(base, overrides []Definition, allow []string) []Definition {
	byName := make(map[string]Definition, len(base)+len(overrides))
	for _, d := range base {
		byName[d.Name] = d
	}
	for _, d := range overrides {
		byName[d.Name] = d
	}
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[strings.TrimSpace(a)] = true
	}
	out := make([]Definition, 0, len(byName))
	for name, d := range byName {
		if len(allowed) > 0 && !allowed[name] {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Store holds the current registry. Readers take a snapshot with Current and
// keep using it for the whole validation or execution step.
type Store struct {
	cur atomic.Pointer[Registry]
}

func NewStore(r *Registry) *Store {
	s := &Store{}
	s.cur.Store(r)
	return s
}

func (s *Store) Current() *Registry {
	return s.cur.Load()
}

// Swap atomically replaces the registry and returns the previous one.
func (s *Store) Swap(r *Registry) *Registry {
	return s.cur.Swap(r)
}
