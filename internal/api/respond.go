// Package api implements the management REST surface of the protocol
// server and the router that wires it together with the MCP endpoint.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes the REST error envelope {"error": CODE, "message": text}.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}

func respondAuthzError(w http.ResponseWriter, e *authz.Error) {
	respondError(w, e.Status, e.Code, e.Message)
}
