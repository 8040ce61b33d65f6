package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
)

// upstreamTimeout is the hard deadline for one proxied request/response
// round trip. SSE streams are exempt: only the response headers are
// bounded for them.
const upstreamTimeout = 30 * time.Second

// Proxy forwards authenticated traffic to the protocol server. The client
// credential never crosses the hop: Authorization is stripped and replaced
// by X-Gateway-Token.
type Proxy struct {
	upstream *url.URL
	client   *http.Client
	auth     *Authenticator

	// resourceMetadata is the absolute URL advertised in 401 responses so
	// MCP clients can discover the linking flow.
	resourceMetadata string
}

// NewProxy builds the forwarding handler.
func NewProxy(upstream string, auth *Authenticator, publicURL string) (*Proxy, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	return &Proxy{
		upstream: u,
		client: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: upstreamTimeout},
		},
		auth:             auth,
		resourceMetadata: publicURL + "/v1/mcp/.well-known/oauth-protected-resource",
	}, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := p.auth.Authenticate(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer resource_metadata=%q", p.resourceMetadata))
		authz.WriteError(w, &authz.Error{
			Code:    "UNAUTHORIZED",
			Status:  http.StatusUnauthorized,
			Message: "authentication required",
		})
		return
	}

	ctx := r.Context()
	if r.Method != http.MethodGet {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, upstreamTimeout)
		defer cancel()
	}

	target := *p.upstream
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		authz.WriteError(w, authz.ErrInternal())
		return
	}
	copyHeaders(out.Header, r.Header)
	out.Header.Del("Authorization")
	out.Header.Set(authz.GatewayTokenHeader, token)

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = authz.NewRequestID()
	}
	out.Header.Set("X-Request-ID", requestID)

	resp, err := p.client.Do(out)
	if err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
		authz.WriteError(w, &authz.Error{
			Code:    "UPSTREAM_UNAVAILABLE",
			Status:  http.StatusBadGateway,
			Message: "upstream unavailable",
		})
		return
	}
	defer resp.Body.Close()

	// A key deleted through this hop must stop working immediately, not
	// after the revocation cache TTL.
	if r.Method == http.MethodDelete && resp.StatusCode < 300 {
		if id, ok := apiKeyIDFromPath(r.URL.Path); ok {
			p.auth.InvalidateAPIKey(id)
		}
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		streamBody(w, resp.Body)
		return
	}
	io.Copy(w, resp.Body)
}

// streamBody relays an SSE stream, flushing after every chunk.
func streamBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func apiKeyIDFromPath(path string) (string, bool) {
	const prefix = "/v1/me/apikeys/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
