package models

import "encoding/json"

// JSON-RPC 2.0 envelope used by the MCP protocol server.

// JSON-RPC error codes. Standard codes plus the application range used for
// authorization and quota failures.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603

	RPCPermissionDenied   = -32001
	RPCUsageLimitExceeded = -32002
)

// MCPRequest is an incoming JSON-RPC 2.0 request or notification.
type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *MCPRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// MCPResponse is an outgoing JSON-RPC 2.0 response.
type MCPResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// MCPError is the JSON-RPC error object.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewResult builds a success response for a request id.
func NewResult(id json.RawMessage, result any) *MCPResponse {
	return &MCPResponse{Jsonrpc: "2.0", Result: result, ID: id}
}

// NewError builds an error response for a request id.
func NewError(id json.RawMessage, code int, message string) *MCPResponse {
	return &MCPResponse{Jsonrpc: "2.0", Error: &MCPError{Code: code, Message: message}, ID: id}
}

// ── MCP content shapes ───────────────────────────────────────

// MCPContent is one content block of a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MCPToolResult is the result payload of tools/call.
type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// TextResult wraps plain text as a non-error tool result.
func TextResult(text string) *MCPToolResult {
	return &MCPToolResult{Content: []MCPContent{{Type: "text", Text: text}}}
}

// ErrorResult wraps text as an isError tool result. Tool execution failures
// are results, not JSON-RPC errors.
func ErrorResult(text string) *MCPToolResult {
	return &MCPToolResult{Content: []MCPContent{{Type: "text", Text: text}}, IsError: true}
}

// MCPToolInfo is the tools/list wire shape of one tool.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema map[string]any  `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// MCPToolCallParams are the params of tools/call.
type MCPToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPPromptInfo is the prompts/list wire shape of one prompt.
type MCPPromptInfo struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Arguments   []MCPPromptArgument `json:"arguments,omitempty"`
}

type MCPPromptArgument struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// MCPPromptMessage is one message of a prompts/get result.
type MCPPromptMessage struct {
	Role    string     `json:"role"`
	Content MCPContent `json:"content"`
}
