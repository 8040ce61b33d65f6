// Package registrytest provides a configurable stub module for tests.
// Production modules live outside this repository; the gateway only depends
// on the registry.Module contract.
package registrytest

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shibaleo/mcpist-sub002/internal/registry"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// StubModule implements registry.Module with canned responses.
type StubModule struct {
	ModuleName string
	ToolList   []models.ToolDescriptor
	Desc       map[string]string

	// RunFunc overrides Run; the default returns a small JSON object.
	RunFunc func(ctx context.Context, tool string, params map[string]any) (string, error)

	// CompactFunc overrides Compact; the default returns "" (generic
	// fallback applies).
	CompactFunc func(tool, raw string) string

	// Calls counts Run invocations.
	Calls atomic.Int32
}

func boolPtr(b bool) *bool { return &b }

// NewStubModule builds a module with one read-only tool ("search") and one
// destructive tool ("delete_page").
func NewStubModule(name string) *StubModule {
	return &StubModule{
		ModuleName: name,
		Desc:       map[string]string{"en": name + " test module"},
		ToolList: []models.ToolDescriptor{
			{
				ID:   registry.ToolID(name, "search"),
				Name: "search",
				Descriptions: map[string]string{
					"en": "Search " + name,
				},
				Annotations: models.ToolAnnotations{
					ReadOnlyHint:    boolPtr(true),
					DestructiveHint: boolPtr(false),
				},
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"q": map[string]any{"type": "string"},
					},
				},
			},
			{
				ID:   registry.ToolID(name, "delete_page"),
				Name: "delete_page",
				Descriptions: map[string]string{
					"en": "Delete a page in " + name,
				},
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"page_id": map[string]any{"type": "string"},
					},
					"required": []any{"page_id"},
				},
			},
		},
	}
}

func (s *StubModule) Name() string                    { return s.ModuleName }
func (s *StubModule) Status() models.ModuleStatus     { return models.ModuleActive }
func (s *StubModule) Tools() []models.ToolDescriptor  { return s.ToolList }
func (s *StubModule) Descriptions() map[string]string { return s.Desc }

func (s *StubModule) Run(ctx context.Context, tool string, params map[string]any) (string, error) {
	s.Calls.Add(1)
	if s.RunFunc != nil {
		return s.RunFunc(ctx, tool, params)
	}
	return fmt.Sprintf(`{"module":%q,"tool":%q,"ok":true}`, s.ModuleName, tool), nil
}

func (s *StubModule) Compact(tool, raw string) string {
	if s.CompactFunc != nil {
		return s.CompactFunc(tool, raw)
	}
	return ""
}
