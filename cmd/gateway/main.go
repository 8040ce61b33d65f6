// mcpist gateway: the edge process that terminates client credentials,
// mints short-lived gateway tokens and proxies to the protocol server.
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

	"github.com/shibaleo/mcpist-sub002/internal/config"
	"github.com/shibaleo/mcpist-sub002/internal/gateway"
	"github.com/shibaleo/mcpist-sub002/internal/keys"
	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/internal/telemetry"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadGateway()
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

	signer, err := keys.NewService(cfg.Keys.Ed25519Seed, cfg.Keys.Kid)
	if err != nil {
		log.Fatal().Err(err).Msg("init signing keys")
	}

	auth := gateway.NewAuthenticator(signer,
		keys.NewRemoteJWKS(cfg.IdPJWKSURL), cfg.IdPIssuer,
		keys.NewRemoteJWKS(cfg.ServerJWKSURL), db)
	proxy, err := gateway.NewProxy(cfg.UpstreamURL, auth, cfg.PublicURL)
	if err != nil {
		log.Fatal().Err(err).Msg("init proxy")
	}

	router := gateway.NewRouter(gateway.RouterDeps{
		Proxy:     proxy,
		WellKnown: gateway.NewWellKnown(cfg.PublicURL, cfg.IdPIssuer),
		Keys:      signer,
		Version:   cfg.Version,
	})

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
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
		Str("upstream", cfg.UpstreamURL).
		Msg("mcpist gateway listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("gateway failed")
	}
}
