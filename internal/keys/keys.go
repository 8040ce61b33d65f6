// Package keys implements the Ed25519 key service: signing JWTs for API
// keys and gateway tokens, publishing the public key as JWKS, and verifying
// tokens against local or remote key sets.
package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidSeed = errors.New("ed25519 seed must be 32 bytes, base64-encoded")
	ErrNoKid       = errors.New("token header missing kid")
	ErrUnknownKid  = errors.New("unknown kid")
)

// Service holds a process-wide Ed25519 key pair loaded at startup.
// Never mutated after init.
type Service struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	kid  string
	doc  []byte // serialized JWKS, built once
}

// NewService derives the key pair from a base64-encoded 32-byte seed.
func NewService(b64Seed, kid string) (*Service, error) {
	seed, err := base64.StdEncoding.DecodeString(b64Seed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	s := &Service{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
		kid:  kid,
	}
	doc, err := s.buildJWKS()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

// GenerateSeed returns a fresh base64 seed, for provisioning and tests.
func GenerateSeed() (string, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(priv.Seed()), nil
}

// Kid returns the stable key id published in the JWKS.
func (s *Service) Kid() string { return s.kid }

// Public returns the public half of the key pair.
func (s *Service) Public() ed25519.PublicKey { return s.pub }

func (s *Service) buildJWKS() ([]byte, error) {
	key, err := jwk.FromRaw(s.pub)
	if err != nil {
		return nil, fmt.Errorf("build jwk: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, s.kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, "EdDSA"); err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, err
	}
	return json.Marshal(set)
}

// JWKS returns the serialized public key set document.
func (s *Service) JWKS() []byte { return s.doc }

// JWKSHandler serves the JWKS under /.well-known/jwks.json.
func (s *Service) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write(s.doc)
	}
}

// Sign issues an EdDSA JWT with this service's kid in the header.
func (s *Service) Sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = s.kid
	return tok.SignedString(s.priv)
}

// Keyfunc resolves tokens signed by this service's own key pair.
func (s *Service) Keyfunc(tok *jwt.Token) (any, error) {
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return nil, ErrNoKid
	}
	if kid != s.kid {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKid, kid)
	}
	return s.pub, nil
}

// ── API key JWTs ─────────────────────────────────────────────

// APIKeyClaims are the claims carried by an issued API key.
type APIKeyClaims struct {
	KeyID string `json:"kid"`
	jwt.RegisteredClaims
}

// GenerateAPIKeyJWT signs an API-key JWT with sub=userID, kid=keyID and an
// optional expiry.
func (s *Service) GenerateAPIKeyJWT(userID, keyID string, expiresAt *time.Time) (string, error) {
	claims := APIKeyClaims{
		KeyID: keyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}
	return s.Sign(claims)
}

// ── Gateway tokens ───────────────────────────────────────────

// GatewayTokenTTL bounds the lifetime of a minted gateway token.
const GatewayTokenTTL = 30 * time.Second

// GatewayIssuer is the fixed iss claim of gateway tokens.
const GatewayIssuer = "gateway"

// GatewayClaims convey verified identity across the two-hop boundary.
// Exactly one of UserID or ExternalID is set.
type GatewayClaims struct {
	UserID     string `json:"user_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Email      string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// MintGatewayToken signs a 30-second gateway token.
func (s *Service) MintGatewayToken(userID, externalID, email string) (string, error) {
	if (userID == "") == (externalID == "") {
		return "", errors.New("exactly one of userID or externalID must be set")
	}
	now := time.Now()
	claims := GatewayClaims{
		UserID:     userID,
		ExternalID: externalID,
		Email:      email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    GatewayIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(GatewayTokenTTL)),
		},
	}
	return s.Sign(claims)
}
