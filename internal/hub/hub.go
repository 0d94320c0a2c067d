// Package hub binds one client connection to one tenant session: it
// resolves the submitted passkey to a tenant root, starts that tenant's
// confined shell and change watcher, and relays terminal I/O, file writes
// and change notifications for the life of the connection.
//
// The hub speaks to the client through the Conn interface only; the
// concrete transport (a websocket in this server) is wired up by the api
// package.
package hub

import (
	"errors"
	"sync"

	"github.com/codecove/codecove/internal/auth"
	"github.com/codecove/codecove/internal/metrics"
	"github.com/codecove/codecove/internal/shell"
	"github.com/codecove/codecove/internal/tenant"
	"github.com/codecove/codecove/internal/watch"
)

// ErrSessionActive is returned when a tenant already has a live session.
// Terminals are single-owner: a second concurrent attach is rejected
// instead of racing two writers over one shell.
var ErrSessionActive = errors.New("session already active")

// Terminal is the confined process as the hub sees it.
type Terminal interface {
	Write(b []byte) (int, error)
	Resize(rows, cols uint16) error
	Output() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// Starter launches a confined terminal for a tenant root. Swapping it out
// is the extension point for OS-level sandboxing or test doubles.
type Starter func(root string) (Terminal, error)

// Conn is the abstract bidirectional message channel between hub and
// client. ReadMessage blocks until a frame arrives; WriteMessage must not
// be called concurrently (the hub serializes writes itself).
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Hub owns the session registry and the shared collaborators.
type Hub struct {
	store  *tenant.Store
	watch  *watch.Manager
	tokens *auth.Issuer
	start  Starter

	mu     sync.Mutex
	active map[string]*Session
}

// New creates a Hub. A nil starter spawns the default confined bash.
func New(store *tenant.Store, watchMgr *watch.Manager, tokens *auth.Issuer, start Starter) *Hub {
	if start == nil {
		start = func(root string) (Terminal, error) { return shell.Start(root) }
	}
	return &Hub{
		store:  store,
		watch:  watchMgr,
		tokens: tokens,
		start:  start,
		active: make(map[string]*Session),
	}
}

// Serve runs one connection's session to completion. It blocks until the
// connection closes; the caller typically invokes it from the transport's
// per-connection handler.
func (h *Hub) Serve(conn Conn) {
	s := newSession(h, conn)
	s.run()
}

// register claims the tenant's single active-session slot.
func (h *Hub) register(tenantID string, s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[tenantID]; ok {
		return ErrSessionActive
	}
	h.active[tenantID] = s
	metrics.SetSessionsActive(int64(len(h.active)))
	return nil
}

// unregister releases the slot if s still owns it.
func (h *Hub) unregister(tenantID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active[tenantID] == s {
		delete(h.active, tenantID)
		metrics.SetSessionsActive(int64(len(h.active)))
	}
}
