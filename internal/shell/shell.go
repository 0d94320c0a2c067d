// Package shell spawns one confined interactive shell per tenant session.
//
// Confinement is advisory and shell-level: a generated rc file intercepts
// cd so that interactive navigation cannot leave the tenant root. It does
// not stop a program run inside the shell from opening absolute paths
// directly; a production deployment should layer OS-level sandboxing (a
// restricted namespace or chroot) behind the same Starter signature.
package shell

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ControlFileName is the generated confinement rc file written into each
// tenant root. It is infrastructure, not tenant data: file listings and
// change events filter it out.
const ControlFileName = ".codecove_bashrc"

const (
	defaultCols = 80
	defaultRows = 30

	// killGrace is how long a closing shell gets to exit after SIGHUP
	// before it is killed outright.
	killGrace = 3 * time.Second

	outputChunkSize = 4096
)

// DeniedNotice is printed by the confined shell when a navigation attempt
// resolves outside the tenant root.
const DeniedNotice = "Access denied: cannot navigate outside the sandbox"

// rcTemplate confines cd the same way pathguard confines request paths:
// canonicalize the destination, then admit it only when it equals the root
// or has root/ as a whole-segment prefix. A bare-prefix pattern
// ("$root"*) would admit a sibling directory sharing the name prefix.
const rcTemplate = `cd() {
    local target
    if [ -z "$1" ]; then
        target="%[1]s"
    else
        target=$(realpath -m -- "$1" 2>/dev/null) || { echo "%[2]s"; return 1; }
    fi
    case "$target" in
        "%[1]s"|"%[1]s"/*) builtin cd "$target" ;;
        *) echo "%[2]s"; return 1 ;;
    esac
}
PS1="sandbox$ "; export PS1
builtin cd "%[1]s"
`

// Starter launches a confined process for a tenant root. The default is
// Start; deployments that add kernel-level sandboxing substitute their own.
type Starter func(root string) (*Process, error)

// Process is one live confined shell. Its pty streams are owned by exactly
// one session at a time.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	out  chan []byte
	done chan struct{}
	quit chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Start writes the confinement rc file into root and spawns an interactive
// bash under a pty, with both the working directory and HOME pinned to root
// so shell-native expansions stay inside the sandbox.
func Start(root string) (*Process, error) {
	return StartCommand(root, "bash")
}

// StartCommand is Start with an explicit shell binary.
func StartCommand(root, shellCmd string) (*Process, error) {
	// The rc file compares canonical destinations against the root
	// literally, so the embedded root must itself be canonical.
	root, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("canonicalize root: %w", err)
	}

	rcPath := filepath.Join(root, ControlFileName)
	script := fmt.Sprintf(rcTemplate, root, DeniedNotice)
	if err := os.WriteFile(rcPath, []byte(script), 0o600); err != nil {
		return nil, fmt.Errorf("write confinement rc: %w", err)
	}

	cmd := exec.Command(shellCmd, "--rcfile", rcPath, "-i")
	cmd.Dir = root
	cmd.Env = append(environWithout("HOME"),
		"HOME="+root,
		"TERM=xterm-color",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		return nil, fmt.Errorf("spawn confined shell: %w", err)
	}

	p := &Process{
		cmd:  cmd,
		ptmx: ptmx,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	go p.pump()
	return p, nil
}

// pump is the single reader of the pty: chunk ordering on the output
// channel is exactly emission order.
func (p *Process) pump() {
	defer close(p.out)
	defer close(p.done)
	defer p.cmd.Wait()

	for {
		buf := make([]byte, outputChunkSize)
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			select {
			case p.out <- buf[:n]:
			case <-p.quit:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Output returns the ordered stream of output chunks. The channel is closed
// when the process exits or Close is called.
func (p *Process) Output() <-chan []byte { return p.out }

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Write feeds input to the shell.
func (p *Process) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

// Resize sets the pty window size.
func (p *Process) Resize(rows, cols uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close terminates the shell and releases the pty. Safe to call multiple
// times.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		if p.cmd.Process != nil {
			p.cmd.Process.Signal(syscall.SIGHUP)
			select {
			case <-p.done:
			case <-time.After(killGrace):
				p.cmd.Process.Kill()
			}
		}
		p.closeErr = p.ptmx.Close()
	})
	return p.closeErr
}

func environWithout(key string) []string {
	env := os.Environ()
	out := env[:0]
	prefix := key + "="
	for _, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			continue
		}
		out = append(out, kv)
	}
	return out
}
