package shell

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfinementScriptShape(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	script := []byte(nil)

	p, err := StartCommand(root, "bash")
	if err != nil {
		// Even when the pty cannot be opened, the rc file must exist.
		script, _ = os.ReadFile(filepath.Join(root, ControlFileName))
	} else {
		defer p.Close()
		script, err = os.ReadFile(filepath.Join(root, ControlFileName))
		if err != nil {
			t.Fatalf("rc file not written: %v", err)
		}
	}

	s := string(script)
	if !strings.Contains(s, `"`+root+`"|"`+root+`"/*`) {
		t.Error("rc file must contain the segment-prefix case pattern for the root")
	}
	if strings.Contains(s, `"`+root+`"*`) && !strings.Contains(s, `"`+root+`"/*`) {
		t.Error("rc file uses a bare prefix pattern; sibling roots would collide")
	}
	if !strings.Contains(s, DeniedNotice) {
		t.Error("rc file must print the denial notice")
	}
}

func waitForOutput(t *testing.T, p *Process, want string, timeout time.Duration) string {
	t.Helper()
	var buf bytes.Buffer
	deadline := time.After(timeout)
	for {
		if strings.Contains(buf.String(), want) {
			return buf.String()
		}
		select {
		case chunk, ok := <-p.Output():
			if !ok {
				t.Fatalf("process exited; output so far: %q (want %q)", buf.String(), want)
			}
			buf.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for %q; output so far: %q", want, buf.String())
		}
	}
}

func startTestShell(t *testing.T, root string) *Process {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	p, err := Start(root)
	if err != nil {
		t.Skipf("cannot spawn pty shell: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestShellStartsInsideRoot(t *testing.T) {
	root := t.TempDir()
	p := startTestShell(t, root)

	if _, err := p.Write([]byte("pwd\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	canonRoot, _ := filepath.EvalSymlinks(root)
	waitForOutput(t, p, canonRoot, 10*time.Second)
}

func TestShellRefusesNavigationOutside(t *testing.T) {
	root := t.TempDir()
	p := startTestShell(t, root)

	if _, err := p.Write([]byte("cd /etc\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForOutput(t, p, DeniedNotice, 10*time.Second)

	// The working directory must be unchanged after the refusal.
	if _, err := p.Write([]byte("pwd\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	canonRoot, _ := filepath.EvalSymlinks(root)
	out := waitForOutput(t, p, canonRoot, 10*time.Second)
	if strings.Contains(out, "\n/etc") {
		t.Errorf("shell navigated outside the root: %q", out)
	}
}

func TestShellAllowsNavigationInside(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	p := startTestShell(t, root)

	if _, err := p.Write([]byte("cd sub && pwd\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	canonRoot, _ := filepath.EvalSymlinks(root)
	waitForOutput(t, p, filepath.Join(canonRoot, "sub"), 10*time.Second)
}

func TestCloseIsIdempotent(t *testing.T) {
	root := t.TempDir()
	p := startTestShell(t, root)

	if err := p.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after close")
	}
}
