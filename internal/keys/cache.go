package keys

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog/log"
)

// DefaultJWKSTTL is how long a fetched key set is trusted before refetch.
const DefaultJWKSTTL = 5 * time.Minute

// RemoteJWKS caches a remote JWKS document. Lookups for an unknown kid
// force an immediate refetch (key rotation); if a refetch fails and a
// cached set exists, the cached set keeps serving.
type RemoteJWKS struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time
}

// NewRemoteJWKS creates a cache for the given JWKS URL.
func NewRemoteJWKS(url string) *RemoteJWKS {
	return &RemoteJWKS{
		url:    url,
		ttl:    DefaultJWKSTTL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithTTL overrides the cache TTL (tests).
func (r *RemoteJWKS) WithTTL(ttl time.Duration) *RemoteJWKS {
	r.ttl = ttl
	return r
}

// Lookup returns the raw public key for kid, refetching as needed.
func (r *RemoteJWKS) Lookup(ctx context.Context, kid string) (any, error) {
	r.mu.RLock()
	set, fetchedAt := r.set, r.fetchedAt
	r.mu.RUnlock()

	stale := set == nil || time.Since(fetchedAt) > r.ttl
	if !stale {
		if key, ok := set.LookupKeyID(kid); ok {
			return rawKey(key)
		}
		// Unknown kid on a fresh set: the remote may have rotated.
	}

	set, err := r.refresh(ctx)
	if err != nil {
		if set == nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		log.Warn().Err(err).Str("url", r.url).Msg("jwks refetch failed, serving cached keys")
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKid, kid)
	}
	return rawKey(key)
}

// refresh refetches the key set. On failure it returns the previously
// cached set (possibly nil) alongside the error.
func (r *RemoteJWKS) refresh(ctx context.Context) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, r.url, jwk.WithHTTPClient(r.client))

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		return r.set, err
	}
	r.set = set
	r.fetchedAt = time.Now()
	return set, nil
}

// Keyfunc adapts the cache to golang-jwt's key resolution.
func (r *RemoteJWKS) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, ErrNoKid
		}
		return r.Lookup(ctx, kid)
	}
}

func rawKey(key jwk.Key) (any, error) {
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("extract raw key: %w", err)
	}
	return raw, nil
}
