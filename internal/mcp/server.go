// Package mcp implements the JSON-RPC 2.0 protocol server: method routing,
// the three meta-tools and the prompt surface. Transport lives in
// transport.go; everything here is transport-agnostic.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
	"github.com/shibaleo/mcpist-sub002/internal/registry"
	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/internal/tokenbroker"
	"github.com/shibaleo/mcpist-sub002/internal/usage"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2025-03-26"

// ServerName identifies this server in the initialize handshake.
const ServerName = "mcpist"

// Server routes JSON-RPC requests to the meta-tool dispatchers.
type Server struct {
	registry   *registry.Registry
	broker     *tokenbroker.Broker
	prompts    store.PromptStore
	recorder   *usage.Recorder
	version    string
	consoleURL string
}

// NewServer wires the protocol server.
func NewServer(reg *registry.Registry, broker *tokenbroker.Broker, prompts store.PromptStore, recorder *usage.Recorder, version, consoleURL string) *Server {
	return &Server{
		registry:   reg,
		broker:     broker,
		prompts:    prompts,
		recorder:   recorder,
		version:    version,
		consoleURL: consoleURL,
	}
}

// HandleRequest processes one JSON-RPC request. The returned response is
// nil for notifications. The context must carry an authorized UserContext.
func (s *Server) HandleRequest(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	if req.Jsonrpc != "2.0" || req.Method == "" {
		return models.NewError(req.ID, models.RPCInvalidRequest, "invalid request")
	}

	switch req.Method {
	case "initialize":
		return models.NewResult(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities": map[string]any{
				"tools":   map[string]any{},
				"prompts": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    ServerName,
				"version": s.version,
			},
		})
	case "notifications/initialized", "initialized":
		return nil
	case "ping":
		return models.NewResult(req.ID, map[string]any{})
	case "tools/list":
		uc := authz.UserContextFrom(ctx)
		return models.NewResult(req.ID, map[string]any{
			"tools": registry.MetaToolDescriptors(uc.EnabledModules()),
		})
	case "tools/call":
		return s.handleToolCall(ctx, req)
	case "prompts/list":
		return s.handlePromptsList(ctx, req)
	case "prompts/get":
		return s.handlePromptsGet(ctx, req)
	default:
		if req.IsNotification() {
			return nil
		}
		return models.NewError(req.ID, models.RPCMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleToolCall(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return models.NewError(req.ID, models.RPCInvalidParams, "invalid tools/call params")
	}
	switch params.Name {
	case registry.MetaGetModuleSchema:
		return s.handleGetModuleSchema(ctx, req.ID, params.Arguments)
	case registry.MetaRun:
		return s.handleRun(ctx, req.ID, params.Arguments)
	case registry.MetaBatch:
		return s.handleBatch(ctx, req.ID, params.Arguments)
	default:
		return models.NewError(req.ID, models.RPCInvalidParams, "unknown tool: "+params.Name)
	}
}

// ── get_module_schema ────────────────────────────────────────

type schemaArgs struct {
	Module json.RawMessage `json:"module"`
}

// moduleSchema is the per-module payload returned by get_module_schema.
type moduleSchema struct {
	Module      string               `json:"module"`
	Description string               `json:"description,omitempty"`
	Tools       []models.MCPToolInfo `json:"tools"`
}

func (s *Server) handleGetModuleSchema(ctx context.Context, id json.RawMessage, raw json.RawMessage) *models.MCPResponse {
	var args schemaArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return models.NewError(id, models.RPCInvalidParams, "invalid get_module_schema arguments")
	}
	names, err := decodeModuleNames(args.Module)
	if err != nil || len(names) == 0 {
		return models.NewError(id, models.RPCInvalidParams, "module must be a name or list of names")
	}

	uc := authz.UserContextFrom(ctx)
	out := make([]moduleSchema, 0, len(names))
	for _, name := range names {
		if _, ok := uc.EnabledTools[name]; !ok {
			// Inaccessible modules are omitted, not errors: the caller may
			// pass a stale list after unlinking a credential.
			continue
		}
		mod, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		ms := moduleSchema{
			Module:      name,
			Description: s.moduleDescription(uc, mod),
		}
		for _, t := range mod.Tools() {
			if !uc.ToolEnabled(name, t.ID) {
				continue
			}
			ms.Tools = append(ms.Tools, models.MCPToolInfo{
				Name:        t.Name,
				Description: t.Description("en"),
				InputSchema: t.InputSchema,
				Annotations: &t.Annotations,
			})
		}
		out = append(out, ms)
	}
	body, _ := json.Marshal(out)
	return models.NewResult(id, models.TextResult(string(body)))
}

// moduleDescription prefers the user's own annotation over the default.
func (s *Server) moduleDescription(uc *models.UserContext, mod registry.Module) string {
	if d, ok := uc.ModuleDescriptions[mod.Name()]; ok && d != "" {
		return d
	}
	if d, ok := mod.Descriptions()["en"]; ok {
		return d
	}
	for _, d := range mod.Descriptions() {
		return d
	}
	return ""
}

func decodeModuleNames(raw json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return many, nil
}

// ── run ──────────────────────────────────────────────────────

type runArgs struct {
	Module string         `json:"module"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
	Format string         `json:"format"`
}

func (s *Server) handleRun(ctx context.Context, id json.RawMessage, raw json.RawMessage) *models.MCPResponse {
	var args runArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.Module == "" || args.Tool == "" {
		return models.NewError(id, models.RPCInvalidParams, "run requires module and tool")
	}

	uc := authz.UserContextFrom(ctx)
	toolID := registry.ToolID(args.Module, args.Tool)
	if denied := authz.CanAccessTool(uc, args.Module, toolID, 1); denied != nil {
		return models.NewError(id, denied.RPCCode(), s.accessMessage(denied, toolID, args.Module))
	}

	mod, ok := s.registry.Get(args.Module)
	if !ok {
		return models.NewError(id, models.RPCInvalidParams, "unknown module: "+args.Module)
	}
	if td, ok := s.registry.Tool(args.Module, args.Tool); ok {
		if err := s.registry.ValidateInput(td, args.Params); err != nil {
			return models.NewError(id, models.RPCInvalidParams, err.Error())
		}
	}

	text, execErr := s.execute(ctx, uc.UserID, mod, args.Tool, args.Params, args.Format)
	if execErr != nil {
		// Provider and handler failures are tool results, not RPC errors.
		return models.NewResult(id, models.ErrorResult(execErr.Error()))
	}

	s.recorder.Record(uc.UserID, models.MetaToolRun, authz.RequestIDFrom(ctx), []models.UsageDetail{
		{Module: args.Module, Tool: args.Tool},
	})
	return models.NewResult(id, models.TextResult(text))
}

// execute resolves the credential, runs the tool and applies the output
// format.
func (s *Server) execute(ctx context.Context, userID string, mod registry.Module, tool string, params map[string]any, format string) (string, error) {
	cred, err := s.broker.GetModuleToken(ctx, userID, mod.Name())
	if err != nil {
		return "", fmt.Errorf("credential unavailable for %s: %w", mod.Name(), err)
	}
	rawResult, err := mod.Run(registry.WithCredential(ctx, cred), tool, params)
	if err != nil {
		return "", err
	}
	if format == "json" {
		return rawResult, nil
	}
	if compact := mod.Compact(tool, rawResult); compact != "" {
		return compact, nil
	}
	return registry.CompactJSON(rawResult), nil
}

// accessMessage renders a per-call denial for the MCP surface.
func (s *Server) accessMessage(denied *authz.Error, toolID, module string) string {
	switch denied.Code {
	case authz.CodeToolDisabled:
		return fmt.Sprintf("Tool '%s' is not enabled for your account", toolID)
	case authz.CodeModuleNotEnabled:
		return fmt.Sprintf("Module '%s' is not enabled for your account", module)
	case authz.CodeUsageLimitExceeded:
		msg := "Daily usage limit reached"
		if s.consoleURL != "" {
			msg += ". Upgrade your plan at " + s.consoleURL
		}
		return msg
	default:
		return denied.Message
	}
}
