// Package registry holds the process-wide immutable table of modules.
//
// Each module bundles the tool handlers for one third-party service and
// declares its tools with JSON-Schema inputs and MCP annotations. The
// registry is built once at startup and never mutated; at boot its
// serialized shape is upserted into the database so the console can show
// tool metadata without calling the server.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// Module is one named bundle of tool handlers for a third-party service.
type Module interface {
	// Name is the stable module identifier ("notion", "github", ...).
	Name() string

	Status() models.ModuleStatus

	// Tools returns the ordered, immutable tool descriptors.
	Tools() []models.ToolDescriptor

	// Descriptions maps language → default module description.
	Descriptions() map[string]string

	// Run executes one tool and returns the raw provider JSON.
	Run(ctx context.Context, tool string, params map[string]any) (string, error)

	// Compact projects raw provider JSON to a terse textual form for LLM
	// consumption. An empty return falls back to the generic projection.
	Compact(tool, raw string) string
}

// Registry is the immutable module table.
type Registry struct {
	order   []string
	modules map[string]Module

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema // tool id → compiled input schema
}

// New builds a registry from the given modules. Duplicate names panic:
// the table is assembled from static wiring at boot, so a duplicate is a
// programming error.
func New(mods ...Module) *Registry {
	r := &Registry{
		modules: make(map[string]Module, len(mods)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, m := range mods {
		if _, dup := r.modules[m.Name()]; dup {
			panic(fmt.Sprintf("registry: duplicate module %q", m.Name()))
		}
		r.modules[m.Name()] = m
		r.order = append(r.order, m.Name())
	}
	return r
}

// Get returns the module by name.
func (r *Registry) Get(name string) (Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// Names returns module names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Tool returns the descriptor for a tool within a module.
func (r *Registry) Tool(module, tool string) (models.ToolDescriptor, bool) {
	m, ok := r.modules[module]
	if !ok {
		return models.ToolDescriptor{}, false
	}
	for _, t := range m.Tools() {
		if t.Name == tool {
			return t, true
		}
	}
	return models.ToolDescriptor{}, false
}

// ToolID forms the canonical "{module}:{name}" id.
func ToolID(module, tool string) string {
	return module + ":" + tool
}

// SplitToolID splits a "{module}:{name}" id.
func SplitToolID(id string) (module, tool string, ok bool) {
	return strings.Cut(id, ":")
}

// IsDangerous classifies a tool per its annotations: dangerous unless it is
// read-only or explicitly non-destructive.
func IsDangerous(t models.ToolDescriptor) bool {
	return !t.Annotations.ReadOnly() && t.Annotations.Destructive()
}

// DefaultToolSettings builds the settings seeded on first credential link:
// every tool gets a row, read-only tools enabled, everything else disabled.
func (r *Registry) DefaultToolSettings(userID, module string) []models.ToolSetting {
	m, ok := r.modules[module]
	if !ok {
		return nil
	}
	tools := m.Tools()
	out := make([]models.ToolSetting, 0, len(tools))
	for _, t := range tools {
		out = append(out, models.ToolSetting{
			UserID:   userID,
			ModuleID: module,
			ToolID:   t.ID,
			Enabled:  t.Annotations.ReadOnly(),
		})
	}
	return out
}

// ValidateInput checks params against the tool's JSON-Schema input.
// Compiled schemas are cached; descriptors are immutable.
func (r *Registry) ValidateInput(t models.ToolDescriptor, params map[string]any) error {
	if t.InputSchema == nil {
		return nil
	}
	sch, err := r.compiled(t)
	if err != nil {
		return err
	}
	// jsonschema validates decoded JSON values; round-trip through JSON to
	// normalize numbers.
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("invalid params for %s: %w", t.ID, err)
	}
	return nil
}

func (r *Registry) compiled(t models.ToolDescriptor) (*jsonschema.Schema, error) {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if sch, ok := r.schemas[t.ID]; ok {
		return sch, nil
	}
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse input schema for %s: %w", t.ID, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://" + t.ID + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %s: %w", t.ID, err)
	}
	r.schemas[t.ID] = sch
	return sch, nil
}

// Metadata serializes the module table for the boot-time DB upsert.
func (r *Registry) Metadata() []models.ModuleMeta {
	out := make([]models.ModuleMeta, 0, len(r.order))
	for _, name := range r.order {
		m := r.modules[name]
		out = append(out, models.ModuleMeta{
			Name:         m.Name(),
			Status:       m.Status(),
			Tools:        m.Tools(),
			Descriptions: m.Descriptions(),
		})
	}
	return out
}

// Sync upserts the serialized module table into the database.
func (r *Registry) Sync(ctx context.Context, s store.ModuleMetaStore) error {
	return s.UpsertModuleMeta(ctx, r.Metadata())
}
