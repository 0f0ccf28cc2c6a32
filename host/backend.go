package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const snapshotTimeout = 2 * time.Second

// Terminal is a running pseudo-terminal. Reads return process output and
// writes feed its input.
type Terminal interface {
	io.ReadWriteCloser
}

// Backend produces the pseudo-terminals behind the session endpoints.
type Backend interface {
	// StartShared attaches to the shared session, creating it if needed.
	StartShared(ctx context.Context) (Terminal, error)
	// Snapshot returns recent output of the shared session.
	Snapshot(ctx context.Context) (string, error)
	// StartPrivate starts an isolated shell.
	StartPrivate(ctx context.Context) (Terminal, error)
}

// TmuxBackend runs the shared session inside tmux so it survives client
// churn and can be joined locally with tmux attach.
type TmuxBackend struct {
	SessionName  string
	Shell        string
	Columns      int
	Rows         int
	HistoryLines int
}

// StartShared ensures the tmux session exists and attaches to it.
func (b *TmuxBackend) StartShared(ctx context.Context) (Terminal, error) {
	if err := exec.CommandContext(ctx, "tmux", "has-session", "-t", b.SessionName).Run(); err != nil {
		create := exec.CommandContext(ctx, "tmux", b.newSessionArgs()...)
		if output, err := create.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("create tmux session %q: %w: %s", b.SessionName, err, output)
		}
	}

	cmd := exec.Command("tmux", "attach-session", "-t", b.SessionName)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	return startProcess(cmd, b.Columns, b.Rows)
}

// Snapshot captures the shared session scrollback.
func (b *TmuxBackend) Snapshot(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, "tmux", b.captureArgs()...).Output()
	if err != nil {
		return "", fmt.Errorf("capture tmux pane: %w", err)
	}
	return string(output), nil
}

// StartPrivate starts the configured shell in its own PTY.
func (b *TmuxBackend) StartPrivate(ctx context.Context) (Terminal, error) {
	shell := b.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}
	return startProcess(cmd, b.Columns, b.Rows)
}

func (b *TmuxBackend) newSessionArgs() []string {
	return []string{
		"new-session", "-d",
		"-s", b.SessionName,
		"-x", strconv.Itoa(b.Columns),
		"-y", strconv.Itoa(b.Rows),
	}
}

func (b *TmuxBackend) captureArgs() []string {
	lines := b.HistoryLines
	if lines <= 0 {
		lines = 1000
	}
	return []string{"capture-pane", "-t", b.SessionName, "-p", "-S", "-" + strconv.Itoa(lines)}
}

// ptyProcess is a command running on the slave side of a PTY.
type ptyProcess struct {
	ptmx *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
	exited    chan struct{}
}

func startProcess(cmd *exec.Cmd, columns, rows int) (*ptyProcess, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(columns),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	p := &ptyProcess{ptmx: ptmx, cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	// Linux reports EIO once the slave side has no more writers.
	if errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

// Close hangs up the process and releases the PTY.
func (p *ptyProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGHUP)
		}
		err = p.ptmx.Close()

		select {
		case <-p.exited:
		case <-time.After(2 * time.Second):
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		}
	})
	return err
}
