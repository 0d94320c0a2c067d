// Package api exposes the server's HTTP surface: the websocket endpoint
// that carries interactive sessions, and a small read-only REST surface
// over tenant file trees for clients that only need a snapshot.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codecove/codecove/internal/auth"
	"github.com/codecove/codecove/internal/hub"
	"github.com/codecove/codecove/internal/logging"
	"github.com/codecove/codecove/internal/metrics"
	"github.com/codecove/codecove/internal/tenant"
	"github.com/codecove/codecove/internal/tree"
)

// Server is the HTTP front end.
type Server struct {
	store    *tenant.Store
	hub      *hub.Hub
	tokens   *auth.Issuer
	upgrader websocket.Upgrader
}

// NewServer creates a Server around the shared collaborators.
func NewServer(store *tenant.Store, h *hub.Hub, tokens *auth.Issuer) *Server {
	return &Server{
		store:  store,
		hub:    h,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Sessions are passkey-gated, not origin-gated; the browser
			// client may be served from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /files", s.handleTree)
	mux.HandleFunc("GET /files/content", s.handleContent)

	wrapped := metrics.Middleware(logging.Middleware(mux))

	// The websocket upgrade hijacks the connection, which the middleware
	// response wrappers do not support, so /ws bypasses them.
	outer := http.NewServeMux()
	outer.HandleFunc("GET /ws", s.handleWS)
	outer.Handle("/", wrapped)
	return outer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWS upgrades the connection and hands it to the hub, which runs
// the session to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Serve(&wsConn{conn: conn})
}

// resolveRoot authenticates a REST request. A bearer session token takes
// precedence; otherwise the passkey query parameter is used directly.
// Neither form creates a tenant.
func (s *Server) resolveRoot(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", auth.ErrInvalidToken
		}
		name, err := s.tokens.Verify(strings.TrimSpace(raw))
		if err != nil {
			return "", err
		}
		return s.store.LookupRoot(name)
	}
	return s.store.LookupRoot(r.URL.Query().Get("passkey"))
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	root, err := s.resolveRoot(r)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	node, err := tree.List(root)
	if err != nil {
		logging.Error("tree listing failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "listing failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]tree.Node{"tree": node})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	root, err := s.resolveRoot(r)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		s.sendError(w, http.StatusBadRequest, "path required")
		return
	}

	content, err := tree.Read(root, path)
	switch {
	case err == nil:
	case errors.Is(err, tree.ErrDenied):
		// Opaque on purpose: the body never confirms what exists
		// outside the caller's root.
		metrics.RecordPathDenial()
		s.sendError(w, http.StatusForbidden, "forbidden")
		return
	case errors.Is(err, tree.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "not found")
		return
	default:
		logging.Error("content read failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "read failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"content": string(content)})
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": message, "code": code})
}
