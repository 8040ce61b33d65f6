package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
	"github.com/shibaleo/mcpist-sub002/internal/keys"
	"github.com/shibaleo/mcpist-sub002/internal/mcp"
	"github.com/shibaleo/mcpist-sub002/internal/ratelimit"
	"github.com/shibaleo/mcpist-sub002/internal/telemetry"
)

// RouterDeps bundles everything the protocol server router mounts.
type RouterDeps struct {
	Handlers   *Handlers
	Authorizer *authz.Authorizer
	Limiter    *ratelimit.Limiter
	Transport  *mcp.Transport
	Keys       *keys.Service
	Version    string
}

// NewRouter creates the protocol server's HTTP router: the MCP endpoint,
// the management API and the well-known documents.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(Recovery)
	r.Use(Logger)
	r.Use(telemetry.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Gateway-Token", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(deps.Version))

	// Key discovery for the gateway's API-key verification.
	r.Get("/.well-known/jwks.json", deps.Keys.JWKSHandler())

	// MCP endpoint: authorization, then availability guard, then transport.
	r.Route("/v1/mcp", func(r chi.Router) {
		r.Use(deps.Authorizer.Middleware)
		r.Use(deps.Limiter.Middleware)
		r.Handle("/", deps.Transport)
	})

	// Management API
	h := deps.Handlers
	r.Route("/v1/me", func(r chi.Router) {
		r.Use(deps.Authorizer.Middleware)

		r.Get("/profile", h.GetProfile)
		r.Put("/settings", h.UpdateSettings)
		r.Post("/register", h.Register)

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", h.ListCredentials)
			r.Route("/{module}", func(r chi.Router) {
				r.Get("/", h.GetCredential)
				r.Put("/", h.PutCredential)
				r.Delete("/", h.DeleteCredential)
			})
		})

		r.Route("/modules", func(r chi.Router) {
			r.Get("/config", h.GetModulesConfig)
			r.Put("/{name}/tools", h.UpdateModuleTools)
			r.Put("/{name}/description", h.UpdateModuleDescription)
		})

		r.Route("/apikeys", func(r chi.Router) {
			r.Get("/", h.ListAPIKeys)
			r.Post("/", h.CreateAPIKey)
			r.Delete("/{id}", h.DeleteAPIKey)
		})

		r.Route("/prompts", func(r chi.Router) {
			r.Get("/", h.ListPrompts)
			r.Post("/", h.CreatePrompt)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetPrompt)
				r.Put("/", h.UpdatePrompt)
				r.Delete("/", h.DeletePrompt)
			})
		})

		r.Get("/usage", h.GetUsage)
	})

	// Admin
	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(deps.Authorizer.Middleware)
		r.Use(RequireAdmin)

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/apps", h.ListOAuthApps)
			r.Put("/apps/{provider}", h.UpsertOAuthApp)
			r.Delete("/apps/{provider}", h.DeleteOAuthApp)
			r.Get("/consents", h.ListConsents)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func versionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"version": version})
	}
}
