package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// WellKnown serves the discovery documents MCP clients use to start the
// OAuth linking flow.
type WellKnown struct {
	publicURL string
	idpIssuer string
	client    *http.Client
}

// NewWellKnown builds the discovery handlers.
func NewWellKnown(publicURL, idpIssuer string) *WellKnown {
	return &WellKnown{
		publicURL: publicURL,
		idpIssuer: strings.TrimRight(idpIssuer, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ProtectedResource serves the RFC 9728 resource metadata document.
func (wk *WellKnown) ProtectedResource(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"resource":                 wk.publicURL + "/v1/mcp",
		"authorization_servers":    []string{wk.idpIssuer},
		"scopes_supported":         []string{"openid", "profile", "email"},
		"bearer_methods_supported": []string{"header"},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// AuthorizationServer proxies the RFC 8414 metadata from the IdP.
func (wk *WellKnown) AuthorizationServer(w http.ResponseWriter, r *http.Request) {
	url := wk.idpIssuer + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	resp, err := wk.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("fetch authorization server metadata")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
