// Package watch observes filesystem mutations under tenant roots and fans
// change events out to any number of subscribers. One OS watch exists per
// root no matter how many sessions of that tenant are attached.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/codecove/codecove/internal/logging"
	"github.com/codecove/codecove/internal/metrics"
	"github.com/codecove/codecove/internal/shell"
)

// Event ops.
const (
	OpCreate = "create"
	OpModify = "modify"
	OpDelete = "delete"
	OpRename = "rename"
)

// Event is one observed change under a tenant root. Path is always
// root-relative: a session only ever sees paths meaningful inside its own
// sandbox. Delivery is at-least-once; consumers must tolerate duplicates.
type Event struct {
	Tenant string `json:"tenant"`
	Path   string `json:"path"`
	Op     string `json:"op"`
}

// Manager owns one rootWatcher per tenant root, created on first subscribe
// and torn down when the last subscription closes.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*rootWatcher
}

// NewManager creates an empty watcher manager.
func NewManager() *Manager {
	return &Manager{watchers: make(map[string]*rootWatcher)}
}

// Subscribe attaches a new subscription to the tenant's watcher, creating
// the underlying OS watch if this is the tenant's first subscriber.
func (m *Manager) Subscribe(tenantID, root string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rw, ok := m.watchers[tenantID]; ok {
		if sub := rw.subscribe(); sub != nil {
			return sub, nil
		}
		// Lost a race with the watcher's shutdown; replace it.
		delete(m.watchers, tenantID)
	}

	rw, err := newRootWatcher(m, tenantID, root)
	if err != nil {
		return nil, err
	}
	m.watchers[tenantID] = rw
	metrics.SetWatchersActive(int64(len(m.watchers)))
	return rw.subscribe(), nil
}

// drop removes a root watcher that has lost its last subscriber. Called
// with the watcher's own lock released.
func (m *Manager) drop(tenantID string, rw *rootWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchers[tenantID] == rw {
		delete(m.watchers, tenantID)
		metrics.SetWatchersActive(int64(len(m.watchers)))
	}
}

// Close tears down every live watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	watchers := make([]*rootWatcher, 0, len(m.watchers))
	for _, rw := range m.watchers {
		watchers = append(watchers, rw)
	}
	m.watchers = make(map[string]*rootWatcher)
	m.mu.Unlock()

	for _, rw := range watchers {
		rw.stop()
	}
}

// Subscription is one listener on a tenant's change stream.
type Subscription struct {
	rw        *rootWatcher
	ch        chan Event
	closeOnce sync.Once
}

// Events returns the subscription's event channel. It is closed when the
// subscription or its watcher is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription. Idempotent. Closing the last
// subscription of a root releases the OS watch.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { s.rw.unsubscribe(s) })
}

// rootWatcher wraps one fsnotify watcher. fsnotify is not recursive, so the
// root is walked at start and directory creations add watches as they
// happen.
type rootWatcher struct {
	manager *Manager
	tenant  string
	root    string
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	stopped bool
}

func newRootWatcher(m *Manager, tenantID, root string) (*rootWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	rw := &rootWatcher{
		manager: m,
		tenant:  tenantID,
		root:    root,
		fsw:     fsw,
		subs:    make(map[*Subscription]struct{}),
	}
	if err := rw.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	go rw.run()
	return rw, nil
}

func (rw *rootWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // entry raced with a delete
		}
		if d.IsDir() {
			if err := rw.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", relOrDot(rw.root, path), err)
			}
		}
		return nil
	})
}

func (rw *rootWatcher) run() {
	for {
		select {
		case ev, ok := <-rw.fsw.Events:
			if !ok {
				rw.closeSubs()
				return
			}
			rw.handle(ev)
		case err, ok := <-rw.fsw.Errors:
			if !ok {
				rw.closeSubs()
				return
			}
			logging.Warn("watcher error",
				zap.String("tenant", rw.tenant), zap.Error(err))
		}
	}
}

func (rw *rootWatcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(rw.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	if rel == shell.ControlFileName {
		return // confinement rc file is infrastructure, not tenant data
	}

	// Newly created directories must be watched too.
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Lstat(ev.Name); err == nil && fi.IsDir() {
			rw.addRecursive(ev.Name)
		}
	}

	op := opString(ev.Op)
	if op == "" {
		return
	}
	rw.broadcast(Event{Tenant: rw.tenant, Path: filepath.ToSlash(rel), Op: op})
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpModify
	case op.Has(fsnotify.Remove):
		return OpDelete
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return ""
	}
}

// broadcast delivers an event to every subscriber. Non-blocking: a slow
// subscriber drops events rather than stalling the rest.
func (rw *rootWatcher) broadcast(ev Event) {
	metrics.RecordWatchEvent(ev.Op)
	rw.mu.Lock()
	defer rw.mu.Unlock()
	for sub := range rw.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// subscribe returns nil when the watcher has already stopped.
func (rw *rootWatcher) subscribe() *Subscription {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.stopped {
		return nil
	}
	sub := &Subscription{rw: rw, ch: make(chan Event, 64)}
	rw.subs[sub] = struct{}{}
	return sub
}

func (rw *rootWatcher) unsubscribe(sub *Subscription) {
	rw.mu.Lock()
	if _, ok := rw.subs[sub]; !ok {
		rw.mu.Unlock()
		return
	}
	delete(rw.subs, sub)
	close(sub.ch)
	last := len(rw.subs) == 0 && !rw.stopped
	if last {
		rw.stopped = true
	}
	rw.mu.Unlock()

	if last {
		rw.manager.drop(rw.tenant, rw)
		rw.fsw.Close()
	}
}

// closeSubs releases the remaining subscribers after the OS watch has shut
// down underneath the run loop.
func (rw *rootWatcher) closeSubs() {
	rw.mu.Lock()
	rw.stopped = true
	for sub := range rw.subs {
		delete(rw.subs, sub)
		close(sub.ch)
	}
	rw.mu.Unlock()
}

func (rw *rootWatcher) stop() {
	rw.mu.Lock()
	if rw.stopped {
		rw.mu.Unlock()
		return
	}
	rw.stopped = true
	for sub := range rw.subs {
		delete(rw.subs, sub)
		close(sub.ch)
	}
	rw.mu.Unlock()
	rw.fsw.Close()
}

func relOrDot(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "."
	}
	return rel
}
