package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/shibaleo/mcpist-sub002/internal/api"
	"github.com/shibaleo/mcpist-sub002/internal/keys"
	"github.com/shibaleo/mcpist-sub002/internal/telemetry"
)

// RouterDeps bundles the gateway's handlers.
type RouterDeps struct {
	Proxy     *Proxy
	WellKnown *WellKnown
	Keys      *keys.Service
	Version   string
}

// NewRouter creates the gateway's HTTP router: unauthenticated discovery
// documents plus the authenticated proxy for everything else.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(api.Recovery)
	r.Use(api.Logger)
	r.Use(telemetry.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": deps.Version})
	})

	// Discovery documents are public.
	r.Get("/.well-known/jwks.json", deps.Keys.JWKSHandler())
	r.Get("/v1/mcp/.well-known/oauth-protected-resource", deps.WellKnown.ProtectedResource)
	r.Get("/v1/mcp/.well-known/oauth-authorization-server", deps.WellKnown.AuthorizationServer)

	// Everything else crosses the authenticated hop.
	r.Handle("/*", deps.Proxy)

	return r
}
