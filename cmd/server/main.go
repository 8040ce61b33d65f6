// mcpist protocol server: the MCP endpoint, the management API and the
// module registry, fronted in production by the mcpist gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/api"
	"github.com/shibaleo/mcpist-sub002/internal/authz"
	"github.com/shibaleo/mcpist-sub002/internal/config"
	"github.com/shibaleo/mcpist-sub002/internal/crypto"
	"github.com/shibaleo/mcpist-sub002/internal/keys"
	"github.com/shibaleo/mcpist-sub002/internal/mcp"
	"github.com/shibaleo/mcpist-sub002/internal/ratelimit"
	"github.com/shibaleo/mcpist-sub002/internal/registry"
	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/internal/telemetry"
	"github.com/shibaleo/mcpist-sub002/internal/tokenbroker"
	"github.com/shibaleo/mcpist-sub002/internal/usage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer shutdownTelemetry(ctx)

	db, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	cipher, err := crypto.NewCipher(cfg.Crypto.AEADKey)
	if err != nil {
		log.Fatal().Err(err).Msg("init credential cipher")
	}
	signer, err := keys.NewService(cfg.Keys.Ed25519Seed, cfg.Keys.Kid)
	if err != nil {
		log.Fatal().Err(err).Msg("init signing keys")
	}

	// Modules are compiled in; their metadata is synced to the database at
	// boot so the management API can serve it.
	reg := registry.New(modules()...)
	if err := reg.Sync(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("sync module metadata")
	}

	recorder := usage.New(db)
	defer recorder.Flush()
	broker := tokenbroker.New(db, cipher)
	server := mcp.NewServer(reg, broker, db, recorder, cfg.Version, cfg.ConsoleURL)

	router := api.NewRouter(api.RouterDeps{
		Handlers:   api.NewHandlers(db, reg, cipher, signer, recorder),
		Authorizer: authz.New(db, keys.NewRemoteJWKS(cfg.GatewayJWKSURL)),
		Limiter:    ratelimit.NewWithPolicy(cfg.RateLimit, time.Second),
		Transport:  mcp.NewTransport(server),
		Keys:       signer,
		Version:    cfg.Version,
	})

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// SSE responses stay open; only reads are bounded.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", cfg.Port).
		Str("version", cfg.Version).
		Strs("modules", reg.Names()).
		Msg("mcpist server listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// modules returns the compiled-in module set. Integrations register here.
func modules() []registry.Module {
	return nil
}
