package registry

import (
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// Meta-tool names. These three are the only tools tools/list advertises;
// each multiplexes onto the real per-module handlers, keeping the list
// short regardless of how many modules exist.
const (
	MetaGetModuleSchema = "get_module_schema"
	MetaRun             = "run"
	MetaBatch           = "batch"
)

// MaxBatchCommands bounds one batch invocation.
const MaxBatchCommands = 10

func boolPtr(b bool) *bool { return &b }

// MetaToolDescriptors builds the three meta-tool descriptors for a caller.
// The module enums list only the caller's accessible modules.
func MetaToolDescriptors(enabledModules []string) []models.MCPToolInfo {
	moduleEnum := make([]any, 0, len(enabledModules))
	for _, m := range enabledModules {
		moduleEnum = append(moduleEnum, m)
	}

	moduleNameSchema := map[string]any{"type": "string"}
	if len(moduleEnum) > 0 {
		moduleNameSchema = map[string]any{"type": "string", "enum": moduleEnum}
	}

	return []models.MCPToolInfo{
		{
			Name: MetaGetModuleSchema,
			Description: "Get the enabled tool descriptors and description for one or " +
				"more modules. Call this before run to learn each tool's parameters.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"module": map[string]any{
						"description": "Module name or list of module names.",
						"oneOf": []any{
							moduleNameSchema,
							map[string]any{"type": "array", "items": moduleNameSchema},
						},
					},
				},
				"required": []any{"module"},
			},
			Annotations: &models.ToolAnnotations{
				ReadOnlyHint:    boolPtr(true),
				DestructiveHint: boolPtr(false),
			},
		},
		{
			Name: MetaRun,
			Description: "Execute one tool of a module. Returns compact text by " +
				"default; pass format=\"json\" for the raw provider response.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"module": moduleNameSchema,
					"tool":   map[string]any{"type": "string"},
					"params": map[string]any{"type": "object"},
					"format": map[string]any{"type": "string", "enum": []any{"compact", "json"}},
				},
				"required": []any{"module", "tool"},
			},
		},
		{
			Name: MetaBatch,
			Description: "Execute up to 10 tool calls in one request. commands is a " +
				"newline-delimited JSON stream; each line is " +
				`{"module","tool","params","task_id"?}.`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"commands": map[string]any{
						"type":        "string",
						"description": "Newline-delimited JSON commands.",
					},
				},
				"required": []any{"commands"},
			},
		},
	}
}
