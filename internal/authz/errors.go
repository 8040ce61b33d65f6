// Package authz verifies gateway tokens, resolves the caller's identity and
// builds the per-request authorization snapshot every protected endpoint
// reads from.
package authz

import (
	"net/http"

	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// Stable machine-readable error codes surfaced to clients.
const (
	CodeMissingGatewayToken = "MISSING_GATEWAY_TOKEN"
	CodeInvalidGatewayToken = "INVALID_GATEWAY_TOKEN"
	CodeAccountNotActive    = "ACCOUNT_NOT_ACTIVE"
	CodeModuleNotEnabled    = "MODULE_NOT_ENABLED"
	CodeToolDisabled        = "TOOL_DISABLED"
	CodeUsageLimitExceeded  = "USAGE_LIMIT_EXCEEDED"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeForbidden           = "FORBIDDEN"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is an authorization failure with both an HTTP and a JSON-RPC
// rendering. Message is safe to show to clients.
type Error struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// RPCCode maps the failure onto the MCP error space.
func (e *Error) RPCCode() int {
	switch e.Code {
	case CodeUsageLimitExceeded, CodeRateLimitExceeded:
		return models.RPCUsageLimitExceeded
	case CodeModuleNotEnabled, CodeToolDisabled, CodeAccountNotActive, CodeForbidden:
		return models.RPCPermissionDenied
	default:
		return models.RPCInternalError
	}
}

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func ErrMissingToken() *Error {
	return newError(CodeMissingGatewayToken, http.StatusUnauthorized, "gateway token required")
}

func ErrInvalidToken() *Error {
	return newError(CodeInvalidGatewayToken, http.StatusUnauthorized, "gateway token invalid or expired")
}

func ErrAccountNotActive() *Error {
	return newError(CodeAccountNotActive, http.StatusForbidden, "account is not active")
}

func ErrModuleNotEnabled(module string) *Error {
	return newError(CodeModuleNotEnabled, http.StatusForbidden, "module not enabled: "+module)
}

func ErrToolDisabled(toolID string) *Error {
	return newError(CodeToolDisabled, http.StatusForbidden, "tool disabled: "+toolID)
}

func ErrUsageLimitExceeded() *Error {
	return newError(CodeUsageLimitExceeded, http.StatusTooManyRequests, "daily usage limit exceeded")
}

func ErrForbidden(message string) *Error {
	return newError(CodeForbidden, http.StatusForbidden, message)
}

func ErrInternal() *Error {
	return newError(CodeInternal, http.StatusInternalServerError, "internal error")
}
