package mcp

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// sessionBuffer bounds pending outbound messages per SSE session. A full
// buffer drops the message; a client that cannot keep up must reconnect.
const sessionBuffer = 100

type session struct {
	id     string
	userID string
	out    chan *models.MCPResponse
}

// push enqueues a message without blocking. Stuck consumers never block
// the protocol server.
func (s *session) push(msg *models.MCPResponse) {
	select {
	case s.out <- msg:
	default:
		log.Warn().
			Str("session_id", s.id).
			Str("user_id", s.userID).
			Msg("sse buffer full, message dropped")
	}
}

// Transport serves the MCP endpoint: inline JSON-RPC over POST and the SSE
// session mode. It must run behind the authorization middleware.
type Transport struct {
	server *Server

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewTransport wraps a protocol server with the HTTP endpoint.
func NewTransport(server *Server) *Transport {
	return &Transport{
		server:   server,
		sessions: make(map[string]*session),
	}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.serveSSE(w, r)
	case http.MethodPost:
		if sid := r.URL.Query().Get("sessionId"); sid != "" {
			t.serveSessionPost(w, r, sid)
			return
		}
		t.serveInline(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// serveInline handles a single request/response round trip.
func (t *Transport) serveInline(w http.ResponseWriter, r *http.Request) {
	var req models.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, http.StatusOK, models.NewError(nil, models.RPCParseError, "parse error"))
		return
	}
	resp := t.server.HandleRequest(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, http.StatusOK, resp)
}

// serveSSE opens the event stream, announces the session endpoint and
// pumps outbound messages until the client disconnects.
func (t *Transport) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	uc := authz.UserContextFrom(r.Context())

	sess := &session{
		id:     newSessionID(),
		userID: uc.UserID,
		out:    make(chan *models.MCPResponse, sessionBuffer),
	}
	t.mu.Lock()
	t.sessions[sess.id] = sess
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.sessions, sess.id)
		t.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: endpoint\ndata: /v1/mcp?sessionId=%s\n\n", sess.id)
	flusher.Flush()

	log.Debug().Str("session_id", sess.id).Str("user_id", sess.userID).Msg("sse session opened")
	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("session_id", sess.id).Msg("sse session closed")
			return
		case msg := <-sess.out:
			body, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
			flusher.Flush()
		}
	}
}

// serveSessionPost queues one request onto an open session. Responses are
// delivered over the SSE stream, including parse errors.
func (t *Transport) serveSessionPost(w http.ResponseWriter, r *http.Request, sid string) {
	uc := authz.UserContextFrom(r.Context())

	t.mu.RLock()
	sess, ok := t.sessions[sid]
	t.mu.RUnlock()
	if !ok || sess.userID != uc.UserID {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req models.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sess.push(models.NewError(nil, models.RPCParseError, "parse error"))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if resp := t.server.HandleRequest(r.Context(), &req); resp != nil {
		sess.push(resp)
	}
	w.WriteHeader(http.StatusAccepted)
}

// SessionCount reports open sessions (tests).
func (t *Transport) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func newSessionID() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func writeResponse(w http.ResponseWriter, status int, resp *models.MCPResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
