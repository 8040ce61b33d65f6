// Package config loads configuration for both mcpist processes from
// environment variables with sensible defaults. Required secrets fail fast.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Server holds configuration for the protocol server process.
type Server struct {
	Port      int
	Version   string
	PublicURL string // origin used in well-known documents

	Database  Database
	Crypto    Crypto
	Keys      Keys
	Telemetry Telemetry

	// GatewayJWKSURL is where the protocol server fetches the gateway's
	// public keys to verify X-Gateway-Token.
	GatewayJWKSURL string

	// ConsoleURL, when set, is included in USAGE_LIMIT_EXCEEDED messages.
	ConsoleURL string

	// RateLimit is the per-user MCP request cap per second.
	RateLimit int
}

// Gateway holds configuration for the edge gateway process.
type Gateway struct {
	Port      int
	Version   string
	PublicURL string

	// UpstreamURL is the protocol server base URL requests are proxied to.
	UpstreamURL string

	// IdP settings for end-user JWT verification.
	IdPIssuer  string
	IdPJWKSURL string

	// ServerJWKSURL is where API-key JWTs are verified (the protocol
	// server publishes the signing key).
	ServerJWKSURL string

	Database  Database
	Keys      Keys
	Telemetry Telemetry
}

type Database struct {
	URL      string
	MaxConns int
}

type Crypto struct {
	// AEADKey is the base64-encoded 32-byte AES-256-GCM key for credential
	// blobs.
	AEADKey string
}

type Keys struct {
	// Ed25519Seed is the base64-encoded 32-byte private key seed.
	Ed25519Seed string
	// Kid is the stable key id published in JWKS.
	Kid string
}

type Telemetry struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// LoadServer reads protocol-server configuration from the environment.
func LoadServer() (*Server, error) {
	cfg := &Server{
		Port:      envInt("MCPIST_PORT", 8080),
		Version:   envStr("MCPIST_VERSION", "0.1.0"),
		PublicURL: envStr("MCPIST_PUBLIC_URL", "http://localhost:8080"),
		Database: Database{
			URL:      os.Getenv("DATABASE_URL"),
			MaxConns: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Crypto: Crypto{
			AEADKey: os.Getenv("MCPIST_CREDENTIAL_KEY"),
		},
		Keys: Keys{
			Ed25519Seed: os.Getenv("MCPIST_SIGNING_SEED"),
			Kid:         envStr("MCPIST_SIGNING_KID", "mcpist-server-1"),
		},
		Telemetry: Telemetry{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "mcpist-server"),
		},
		GatewayJWKSURL: os.Getenv("MCPIST_GATEWAY_JWKS_URL"),
		ConsoleURL:     os.Getenv("MCPIST_CONSOLE_URL"),
		RateLimit:      envInt("MCPIST_RATE_LIMIT", 10),
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Crypto.AEADKey == "" {
		return nil, fmt.Errorf("MCPIST_CREDENTIAL_KEY is required")
	}
	if cfg.Keys.Ed25519Seed == "" {
		return nil, fmt.Errorf("MCPIST_SIGNING_SEED is required")
	}
	if cfg.GatewayJWKSURL == "" {
		return nil, fmt.Errorf("MCPIST_GATEWAY_JWKS_URL is required")
	}
	return cfg, nil
}

// LoadGateway reads gateway configuration from the environment.
func LoadGateway() (*Gateway, error) {
	cfg := &Gateway{
		Port:        envInt("MCPIST_GATEWAY_PORT", 8081),
		Version:     envStr("MCPIST_VERSION", "0.1.0"),
		PublicURL:   envStr("MCPIST_GATEWAY_PUBLIC_URL", "http://localhost:8081"),
		UpstreamURL: envStr("MCPIST_SERVER_URL", "http://localhost:8080"),
		IdPIssuer:   os.Getenv("MCPIST_IDP_ISSUER"),
		IdPJWKSURL:  os.Getenv("MCPIST_IDP_JWKS_URL"),
		ServerJWKSURL: envStr("MCPIST_SERVER_JWKS_URL",
			envStr("MCPIST_SERVER_URL", "http://localhost:8080")+"/.well-known/jwks.json"),
		Database: Database{
			URL:      os.Getenv("DATABASE_URL"),
			MaxConns: envInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Keys: Keys{
			Ed25519Seed: os.Getenv("MCPIST_GATEWAY_SIGNING_SEED"),
			Kid:         envStr("MCPIST_GATEWAY_SIGNING_KID", "mcpist-gateway-1"),
		},
		Telemetry: Telemetry{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "mcpist-gateway"),
		},
	}

	if cfg.IdPJWKSURL == "" {
		return nil, fmt.Errorf("MCPIST_IDP_JWKS_URL is required")
	}
	if cfg.Keys.Ed25519Seed == "" {
		return nil, fmt.Errorf("MCPIST_GATEWAY_SIGNING_SEED is required")
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
