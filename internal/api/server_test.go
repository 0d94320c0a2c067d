package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codecove/codecove/internal/auth"
	"github.com/codecove/codecove/internal/hub"
	"github.com/codecove/codecove/internal/tenant"
	"github.com/codecove/codecove/internal/watch"
)

// stubTerminal satisfies hub.Terminal without spawning a real shell.
type stubTerminal struct {
	out  chan []byte
	done chan struct{}
}

func newStubTerminal() *stubTerminal {
	return &stubTerminal{out: make(chan []byte, 8), done: make(chan struct{})}
}

func (s *stubTerminal) Write(b []byte) (int, error)    { return len(b), nil }
func (s *stubTerminal) Resize(rows, cols uint16) error { return nil }
func (s *stubTerminal) Output() <-chan []byte          { return s.out }
func (s *stubTerminal) Done() <-chan struct{}          { return s.done }
func (s *stubTerminal) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
		close(s.out)
	}
	return nil
}

type apiFixture struct {
	store  *tenant.Store
	tokens *auth.Issuer
	ts     *httptest.Server
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := tenant.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := auth.NewIssuer("test-secret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	watchMgr := watch.NewManager()
	t.Cleanup(watchMgr.Close)

	h := hub.New(store, watchMgr, tokens, func(root string) (hub.Terminal, error) {
		return newStubTerminal(), nil
	})

	ts := httptest.NewServer(NewServer(store, h, tokens).Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{store: store, tokens: tokens, ts: ts}
}

// seed creates a tenant root with some content and returns its root path.
func (f *apiFixture) seed(t *testing.T, passkey string) string {
	t.Helper()
	root, _, err := f.store.ResolveRoot(passkey)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "readme.md"), []byte("# hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestTreeRequiresKnownTenant(t *testing.T) {
	f := newFixture(t)
	for _, url := range []string{
		f.ts.URL + "/files",
		f.ts.URL + "/files?passkey=nobody",
	} {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s: expected 401, got %d", url, resp.StatusCode)
		}
	}
	// A REST probe must not create a tenant as a side effect.
	if _, err := f.store.LookupRoot("nobody"); err == nil {
		t.Error("unauthenticated probe created a tenant root")
	}
}

func TestTreeSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alpha")

	resp, err := http.Get(f.ts.URL + "/files?passkey=alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Tree map[string]json.RawMessage `json:"tree"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if string(body.Tree["readme.md"]) != "null" {
		t.Errorf("files must serialize as null, got %s", body.Tree["readme.md"])
	}
	if !strings.HasPrefix(string(body.Tree["src"]), "{") {
		t.Errorf("directories must serialize as objects, got %s", body.Tree["src"])
	}
}

func TestContentRead(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alpha")

	resp, err := http.Get(f.ts.URL + "/files/content?passkey=alpha&path=readme.md")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["content"] != "# hi" {
		t.Errorf("expected file content, got %q", body["content"])
	}
}

func TestContentStatusMapping(t *testing.T) {
	f := newFixture(t)
	root := f.seed(t, "alpha")

	// An outward symlink turns a read into a containment violation.
	outside := filepath.Join(f.store.Base(), "secret")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "leak")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	cases := []struct {
		path string
		want int
	}{
		{"", http.StatusBadRequest},
		{"missing.txt", http.StatusNotFound},
		{"src", http.StatusNotFound}, // directories have no content
		{"leak", http.StatusForbidden},
	}
	for _, tc := range cases {
		resp, err := http.Get(f.ts.URL + "/files/content?passkey=alpha&path=" + tc.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("path %q: expected %d, got %d", tc.path, tc.want, resp.StatusCode)
		}
	}
}

func TestBearerTokenAuth(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alpha")

	token, err := f.tokens.Issue("alpha")
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/files", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth: expected 200, got %d", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad bearer token: expected 401, got %d", resp.StatusCode)
	}
}

func TestWebsocketSession(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	expect := func(msgType string) hub.Envelope {
		t.Helper()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("waiting for %s: %v", msgType, err)
			}
			var env hub.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("bad frame %q: %v", data, err)
			}
			if env.Type == msgType {
				return env
			}
		}
	}

	expect(hub.MsgRequestPasskey)

	frame, err := json.Marshal(hub.Envelope{
		Type: hub.MsgPasskeySubmitted,
		Data: json.RawMessage(`"alpha"`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}

	expect(hub.MsgPasskeyAccepted)
	env := expect(hub.MsgSessionToken)

	var token string
	if err := json.Unmarshal(env.Data, &token); err != nil {
		t.Fatal(err)
	}
	if name, err := f.tokens.Verify(token); err != nil || name != "alpha" {
		t.Errorf("session token does not verify: %s, %v", name, err)
	}

	// The websocket attach created the tenant root.
	if _, err := f.store.LookupRoot("alpha"); err != nil {
		t.Errorf("tenant root missing after attach: %v", err)
	}
}
