// Package gateway implements the edge process: it terminates client
// credentials (IdP JWTs and mpt_ API keys), mints short-lived gateway
// tokens and proxies traffic to the protocol server.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/keys"
	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

var errUnauthenticated = errors.New("unauthenticated")

// idpClaims are the claims the gateway reads from an IdP-issued JWT.
type idpClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies client credentials and mints gateway tokens.
type Authenticator struct {
	signer      *keys.Service
	idpJWKS     *keys.RemoteJWKS
	idpIssuer   string
	serverJWKS  *keys.RemoteJWKS
	apiKeys     store.APIKeyStore
	revocations *revocationCache
}

// NewAuthenticator wires credential verification. idpIssuer may be empty
// when the IdP does not pin an issuer.
func NewAuthenticator(signer *keys.Service, idpJWKS *keys.RemoteJWKS, idpIssuer string, serverJWKS *keys.RemoteJWKS, apiKeys store.APIKeyStore) *Authenticator {
	return &Authenticator{
		signer:      signer,
		idpJWKS:     idpJWKS,
		idpIssuer:   idpIssuer,
		serverJWKS:  serverJWKS,
		apiKeys:     apiKeys,
		revocations: newRevocationCache(defaultRevocationTTL),
	}
}

// Authenticate verifies the Authorization header and returns a freshly
// minted gateway token for the upstream hop.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return "", errUnauthenticated
	}
	if strings.HasPrefix(raw, models.APIKeyPrefix) {
		return a.authenticateAPIKey(r.Context(), strings.TrimPrefix(raw, models.APIKeyPrefix))
	}
	return a.authenticateIdPJWT(r.Context(), raw)
}

// authenticateIdPJWT verifies an end-user JWT against the IdP's JWKS and
// mints a token carrying the external subject.
func (a *Authenticator) authenticateIdPJWT(ctx context.Context, raw string) (string, error) {
	claims := &idpClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"}),
		jwt.WithExpirationRequired(),
	}
	if a.idpIssuer != "" {
		opts = append(opts, jwt.WithIssuer(a.idpIssuer))
	}
	if _, err := jwt.ParseWithClaims(raw, claims, a.idpJWKS.Keyfunc(ctx), opts...); err != nil {
		log.Debug().Err(err).Msg("idp jwt rejected")
		return "", errUnauthenticated
	}
	if claims.Subject == "" {
		return "", errUnauthenticated
	}
	return a.signer.MintGatewayToken("", claims.Subject, claims.Email)
}

// authenticateAPIKey verifies an mpt_ key against the protocol server's
// JWKS and checks that the key row still exists (revocation).
func (a *Authenticator) authenticateAPIKey(ctx context.Context, raw string) (string, error) {
	claims := &keys.APIKeyClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, a.serverJWKS.Keyfunc(ctx),
		jwt.WithValidMethods([]string{"EdDSA"}),
	)
	if err != nil {
		log.Debug().Err(err).Msg("api key jwt rejected")
		return "", errUnauthenticated
	}
	if claims.Subject == "" || claims.KeyID == "" {
		return "", errUnauthenticated
	}

	exists, cached := a.revocations.get(claims.KeyID)
	if !cached {
		_, err := a.apiKeys.GetAPIKey(ctx, claims.KeyID)
		switch {
		case err == nil:
			exists = true
		case errors.Is(err, store.ErrNotFound):
			exists = false
		default:
			return "", err
		}
		a.revocations.set(claims.KeyID, exists)
	}
	if !exists {
		log.Warn().
			Str("event", "security").
			Str("api_key_id", claims.KeyID).
			Msg("revoked api key presented")
		return "", errUnauthenticated
	}

	// Best effort; last_used_at is advisory.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.apiKeys.TouchAPIKey(ctx, claims.KeyID, time.Now().UTC()); err != nil {
			log.Debug().Err(err).Str("api_key_id", claims.KeyID).Msg("touch api key")
		}
	}()

	return a.signer.MintGatewayToken(claims.Subject, "", "")
}

// InvalidateAPIKey drops the cached revocation state for a key id. Called
// when a delete passes through the proxy so revocation takes effect
// immediately on this replica.
func (a *Authenticator) InvalidateAPIKey(id string) {
	a.revocations.invalidate(id)
}
