package hub

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/codecove/codecove/internal/logging"
	"github.com/codecove/codecove/internal/metrics"
	"github.com/codecove/codecove/internal/tenant"
	"github.com/codecove/codecove/internal/tree"
	"github.com/codecove/codecove/internal/watch"
)

// Client-visible notices. Deliberately free of paths and internal detail.
const (
	noticeCreated     = "Sandbox created for your passkey. Welcome!"
	noticeReopened    = "Welcome back! Sandbox reopened."
	noticeInvalidKey  = "Invalid passkey. Choose another and try again."
	noticeResolveFail = "Failed to prepare your sandbox. Try again."
	noticeBusy        = "Session already active for this passkey."
	noticeSpawnFail   = "Error initializing sandbox shell\r\n"
	noticeWriteDenied = "Access denied: cannot access files outside your sandbox\r\n"
	noticeWriteNoDir  = "Write failed: parent directory does not exist\r\n"
	noticeWriteFailed = "Write failed\r\n"
)

// Session is one connection's state machine:
// Unauthenticated → Active → Closed. A session is Active exactly when
// tenant is non-empty; Closed is entered at most once through close().
type Session struct {
	hub  *Hub
	conn Conn

	send   chan Envelope
	closed chan struct{}

	// Set on the read-loop goroutine at passkey acceptance, before the
	// relay goroutines that read them are started.
	tenant string
	root   string
	term   Terminal
	sub    *watch.Subscription

	closeOnce sync.Once
}

func newSession(h *Hub, conn Conn) *Session {
	return &Session{
		hub:    h,
		conn:   conn,
		send:   make(chan Envelope, 256),
		closed: make(chan struct{}),
	}
}

// run drives the session to completion.
func (s *Session) run() {
	go s.writeLoop()
	s.post(MsgRequestPasskey, nil)
	s.readLoop()
	s.close()
}

// readLoop demultiplexes inbound messages until the connection drops.
func (s *Session) readLoop() {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // malformed frame must not kill the connection
		}
		metrics.RecordWSMessage(env.Type, "in")

		if s.tenant == "" {
			// Unauthenticated: only a passkey submission means anything.
			if env.Type == MsgPasskeySubmitted {
				s.handlePasskey(env.Data)
			}
			continue
		}

		switch env.Type {
		case MsgTerminalWrite:
			s.handleTerminalWrite(env.Data)
		case MsgTerminalResize:
			s.handleResize(env.Data)
		case MsgFileChange:
			s.handleFileChange(env.Data)
		case MsgPasskeySubmitted:
			// Re-authentication within a live session is not supported;
			// the session stays bound to its own tenant.
		}
	}
}

// handlePasskey performs the Unauthenticated → Active transition. Any
// failure reports a typed error and leaves the session Unauthenticated.
func (s *Session) handlePasskey(raw json.RawMessage) {
	var passkey string
	if err := json.Unmarshal(raw, &passkey); err != nil {
		s.post(MsgPasskeyError, noticeInvalidKey)
		return
	}

	root, created, err := s.hub.store.ResolveRoot(passkey)
	if err != nil {
		if errors.Is(err, tenant.ErrInvalidPasskey) {
			metrics.RecordPasskeyAttempt("invalid")
			s.post(MsgPasskeyError, noticeInvalidKey)
			return
		}
		metrics.RecordPasskeyAttempt("error")
		logging.Error("tenant root resolution failed", zap.Error(err))
		s.post(MsgPasskeyError, noticeResolveFail)
		return
	}
	name, _ := tenant.Normalize(passkey)

	if err := s.hub.register(name, s); err != nil {
		metrics.RecordPasskeyAttempt("busy")
		s.post(MsgPasskeyError, noticeBusy)
		return
	}

	sub, err := s.hub.watch.Subscribe(name, root)
	if err != nil {
		s.hub.unregister(name, s)
		logging.Error("watcher setup failed",
			zap.String("tenant", name), zap.Error(err))
		s.post(MsgTerminalData, noticeSpawnFail)
		s.close()
		return
	}

	term, err := s.hub.start(root)
	if err != nil {
		sub.Close()
		s.hub.unregister(name, s)
		logging.Error("confined shell spawn failed",
			zap.String("tenant", name), zap.Error(err))
		s.post(MsgTerminalData, noticeSpawnFail)
		s.close()
		return
	}

	s.tenant = name
	s.root = root
	s.term = term
	s.sub = sub

	if created {
		metrics.RecordTenantCreated()
		s.post(MsgPasskeyAccepted, noticeCreated)
	} else {
		s.post(MsgPasskeyExists, noticeReopened)
	}
	metrics.RecordPasskeyAttempt("ok")

	if token, err := s.hub.tokens.Issue(name); err == nil {
		s.post(MsgSessionToken, token)
	} else {
		logging.Error("token issue failed", zap.Error(err))
	}

	go s.pumpTerminal()
	go s.pumpWatcher()

	logging.Info("session active",
		zap.String("tenant", name), zap.Bool("created", created))
}

func (s *Session) handleTerminalWrite(raw json.RawMessage) {
	var input string
	if err := json.Unmarshal(raw, &input); err != nil {
		return
	}
	if n, err := s.term.Write([]byte(input)); err == nil {
		metrics.RecordTerminalBytes("in", n)
	}
}

func (s *Session) handleResize(raw json.RawMessage) {
	var size TerminalResize
	if err := json.Unmarshal(raw, &size); err != nil {
		return
	}
	if size.Cols == 0 || size.Rows == 0 {
		return
	}
	s.term.Resize(size.Rows, size.Cols)
}

// handleFileChange writes editor content into the session's own root. The
// path is re-validated against this session's tenant: knowing another
// passkey does not let a session address another root without
// re-authenticating on a fresh connection.
func (s *Session) handleFileChange(raw json.RawMessage) {
	var change FileChange
	if err := json.Unmarshal(raw, &change); err != nil {
		return
	}

	switch err := tree.Write(s.root, change.Path, []byte(change.Content)); {
	case err == nil:
	case errors.Is(err, tree.ErrDenied):
		metrics.RecordPathDenial()
		logging.Warn("file write denied", zap.String("tenant", s.tenant))
		s.post(MsgTerminalData, noticeWriteDenied)
	case errors.Is(err, tree.ErrNotFound):
		s.post(MsgTerminalData, noticeWriteNoDir)
	default:
		logging.Error("file write failed",
			zap.String("tenant", s.tenant), zap.Error(err))
		s.post(MsgTerminalData, noticeWriteFailed)
	}
}

// pumpTerminal relays shell output in emission order. When the process
// exits on its own the session closes with it.
func (s *Session) pumpTerminal() {
	for chunk := range s.term.Output() {
		metrics.RecordTerminalBytes("out", len(chunk))
		s.post(MsgTerminalData, string(chunk))
	}
	s.close()
}

// pumpWatcher relays change events as file:refresh notifications.
func (s *Session) pumpWatcher() {
	for ev := range s.sub.Events() {
		s.post(MsgFileRefresh, ev.Path)
	}
}

// post queues an outbound message; it never blocks past session close.
func (s *Session) post(msgType string, data any) {
	env := Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			logging.Error("marshal outbound message",
				zap.String("type", msgType), zap.Error(err))
			return
		}
		env.Data = raw
	}
	select {
	case s.send <- env:
	case <-s.closed:
	}
}

// writeLoop is the single writer on the connection.
func (s *Session) writeLoop() {
	for {
		select {
		case env := <-s.send:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(data); err != nil {
				return
			}
			metrics.RecordWSMessage(env.Type, "out")
		case <-s.closed:
			// Flush what is already queued (e.g. a final diagnostic)
			// before giving up the connection.
			for {
				select {
				case env := <-s.send:
					data, err := json.Marshal(env)
					if err != nil {
						continue
					}
					if err := s.conn.WriteMessage(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// close tears the session down: Active → Closed (or Unauthenticated →
// Closed). Idempotent. The confined process is closed immediately on
// disconnect; grace-period resumption would hook in here.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.sub != nil {
			s.sub.Close()
		}
		if s.term != nil {
			s.term.Close()
		}
		if s.tenant != "" {
			s.hub.unregister(s.tenant, s)
			logging.Info("session closed", zap.String("tenant", s.tenant))
		}
		s.conn.Close()
	})
}
