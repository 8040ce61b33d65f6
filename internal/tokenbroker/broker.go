// Package tokenbroker hands decrypted, freshly-refreshed third-party
// credentials to tool handlers. Expiring OAuth2 tokens are refreshed
// transparently with single-flight concurrency control per (user, module).
package tokenbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/shibaleo/mcpist-sub002/internal/crypto"
	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// RefreshSkew is how close to expiry a token may get before the broker
// refreshes it.
const RefreshSkew = 60 * time.Second

var (
	ErrNoCredential          = errors.New("no credential stored for module")
	ErrNoRefreshToken        = errors.New("credential has no refresh token")
	ErrProviderNotConfigured = errors.New("oauth app not configured for provider")
)

// Store is the storage surface the broker needs.
type Store interface {
	store.CredentialStore
	store.OAuthAppStore
}

// Broker resolves per-(user, module) credentials.
type Broker struct {
	store  Store
	cipher *crypto.Cipher
	client *http.Client
	group  singleflight.Group
	now    func() time.Time
}

// New creates a Broker. The HTTP client is used for provider token
// endpoints only.
func New(s Store, cipher *crypto.Cipher) *Broker {
	return &Broker{
		store:  s,
		cipher: cipher,
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

// WithHTTPClient overrides the token-endpoint HTTP client (tests).
func (b *Broker) WithHTTPClient(c *http.Client) *Broker {
	b.client = c
	return b
}

// WithClock overrides the clock (tests).
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// GetModuleToken returns a valid credential for (user, module). OAuth2
// credentials expiring within RefreshSkew are refreshed first; all other
// auth types are returned as stored. The returned value lives only in
// process memory.
func (b *Broker) GetModuleToken(ctx context.Context, userID, module string) (*models.CredentialData, error) {
	data, err := b.load(ctx, userID, module)
	if err != nil {
		return nil, err
	}
	if data.AuthType != models.AuthOAuth2 || !data.Expired(b.now(), RefreshSkew) {
		return data, nil
	}

	// Single flight per (user, module): concurrent refreshers join the
	// in-progress call and share its result.
	v, err, _ := b.group.Do(userID+"|"+module, func() (any, error) {
		// Re-read under the flight; an earlier flight may have refreshed
		// between our check and this call.
		current, err := b.load(ctx, userID, module)
		if err != nil {
			return nil, err
		}
		if !current.Expired(b.now(), RefreshSkew) {
			return current, nil
		}
		return b.refresh(ctx, userID, module, current)
	})
	if err != nil {
		return nil, err
	}
	refreshed := *(v.(*models.CredentialData))
	return &refreshed, nil
}

func (b *Broker) load(ctx context.Context, userID, module string) (*models.CredentialData, error) {
	cred, err := b.store.GetCredential(ctx, userID, module)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoCredential, module)
		}
		return nil, err
	}
	plaintext, err := b.cipher.Decrypt(cred.EncryptedBlob)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential for %s: %w", module, err)
	}
	var data models.CredentialData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("decode credential for %s: %w", module, err)
	}
	return &data, nil
}

// refresh exchanges the refresh token at the provider's token endpoint and
// writes the new access token back. On failure the stored credential is
// left untouched.
func (b *Broker) refresh(ctx context.Context, userID, module string, data *models.CredentialData) (*models.CredentialData, error) {
	if data.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	app, err := b.store.GetOAuthApp(ctx, module)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, module)
		}
		return nil, err
	}
	if !app.Enabled {
		return nil, fmt.Errorf("%w: %s (disabled)", ErrProviderNotConfigured, module)
	}
	secret, err := b.cipher.Decrypt(app.EncryptedClientSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt client secret for %s: %w", module, err)
	}

	cfg := &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: string(secret),
		Endpoint:     oauth2.Endpoint{TokenURL: app.TokenURL},
		RedirectURL:  app.RedirectURI,
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, b.client)
	tok, err := cfg.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: data.RefreshToken}).Token()
	if err != nil {
		log.Warn().
			Str("module", module).
			Str("user_id", userID).
			Err(err).
			Msg("oauth token refresh failed")
		return nil, fmt.Errorf("refresh token for %s: %w", module, err)
	}

	updated := *data
	updated.AccessToken = tok.AccessToken
	if tok.TokenType != "" {
		updated.TokenType = tok.TokenType
	}
	if !tok.Expiry.IsZero() {
		updated.ExpiresAt = tok.Expiry.Unix()
	}
	// Providers may omit the refresh token on refresh; preserve the old one.
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		updated.Scope = scope
	}

	plaintext, err := json.Marshal(updated)
	if err != nil {
		return nil, err
	}
	blob, err := b.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	// Single UPDATE; concurrent writers race benignly, the newer token wins.
	if err := b.store.UpdateCredentialBlob(ctx, userID, module, blob, crypto.CurrentKeyVersion); err != nil {
		return nil, fmt.Errorf("persist refreshed token for %s: %w", module, err)
	}

	log.Debug().Str("module", module).Str("user_id", userID).Msg("oauth token refreshed")
	return &updated, nil
}
