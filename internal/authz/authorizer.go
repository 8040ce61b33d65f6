package authz

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/keys"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// GatewayTokenHeader carries the short-lived identity token minted by the
// edge gateway. It is the only authentication the protocol server accepts.
const GatewayTokenHeader = "X-Gateway-Token"

// tokenLeeway absorbs clock skew between gateway and server.
const tokenLeeway = 5 * time.Second

// Store is the storage surface the authorizer needs.
type Store interface {
	UpsertUserByExternalID(ctx context.Context, externalID, email string) (*models.User, error)
	LoadUserContext(ctx context.Context, userID string) (*models.UserContext, error)
}

// Authorizer verifies gateway tokens against the gateway's JWKS and loads
// the caller's authorization snapshot from the store.
type Authorizer struct {
	store Store
	jwks  *keys.RemoteJWKS
}

// New creates an Authorizer backed by the given store and gateway JWKS.
func New(s Store, jwks *keys.RemoteJWKS) *Authorizer {
	return &Authorizer{store: s, jwks: jwks}
}

// Middleware authenticates the request via X-Gateway-Token, resolves the
// user and attaches a UserContext plus a fresh request id to the context.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc, authErr := a.Authorize(r)
		if authErr != nil {
			WriteError(w, authErr)
			return
		}
		// The gateway forwards X-Request-ID across the hop; reuse it so
		// gateway logs, server logs and usage rows correlate. Minting is
		// the fallback for direct (intra-cluster) callers.
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = NewRequestID()
		}
		ctx := WithUserContext(r.Context(), uc)
		ctx = WithRequestID(ctx, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authorize performs token verification and identity resolution for one
// request.
func (a *Authorizer) Authorize(r *http.Request) (*models.UserContext, *Error) {
	raw := r.Header.Get(GatewayTokenHeader)
	if raw == "" {
		return nil, ErrMissingToken()
	}

	claims := &keys.GatewayClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, a.jwks.Keyfunc(r.Context()),
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(keys.GatewayIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil {
		log.Warn().
			Str("event", "security").
			Str("remote", r.RemoteAddr).
			Err(err).
			Msg("gateway token rejected")
		return nil, ErrInvalidToken()
	}
	if (claims.UserID == "") == (claims.ExternalID == "") {
		return nil, ErrInvalidToken()
	}

	userID := claims.UserID
	if userID == "" {
		// IdP-authenticated caller: resolve (or create) the local user row
		// from the external subject.
		user, err := a.store.UpsertUserByExternalID(r.Context(), claims.ExternalID, claims.Email)
		if err != nil {
			log.Error().Err(err).Msg("resolve external identity")
			return nil, ErrInternal()
		}
		userID = user.ID
	}

	uc, err := a.store.LoadUserContext(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("load user context")
		return nil, ErrInternal()
	}
	if uc.AccountStatus != models.AccountActive {
		return nil, ErrAccountNotActive()
	}
	return uc, nil
}

// CanAccessTool checks module enablement, per-tool enablement and the daily
// quota for a prospective call costing cost credits. A nil return means the
// call is permitted. Zero-cost checks (batch pre-flight) skip the quota:
// an already-exhausted caller is still permitted the call itself, and the
// aggregate quota check decides separately.
func CanAccessTool(uc *models.UserContext, module, toolID string, cost int) *Error {
	if _, ok := uc.EnabledTools[module]; !ok {
		return ErrModuleNotEnabled(module)
	}
	if !uc.ToolEnabled(module, toolID) {
		return ErrToolDisabled(toolID)
	}
	if cost > 0 && uc.DailyLimit > 0 && uc.DailyUsed+cost > uc.DailyLimit {
		return ErrUsageLimitExceeded()
	}
	return nil
}

// NewRequestID returns a 128-bit random hex correlation id.
func NewRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b[:])
}

// WriteError renders an authorization failure with the REST error
// envelope: {"error": <CODE>, "message": <text>}.
func WriteError(w http.ResponseWriter, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(map[string]string{"error": e.Code, "message": e.Message})
}
