// Package pty is the Supervisor's terminal companion: one pseudo-terminal
// per session, backed by creack/pty, streamed into the event log (spec
// §4.3 EXPANSION, "terminal output").
package pty

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Session is one running PTY-backed shell.
type Session struct {
	ID         string
	UserID     string
	Cmd        *exec.Cmd
	Pty        *os.File
	Rows       int
	Cols       int
	CreatedAt  time.Time
	LastActive time.Time

	mu            sync.RWMutex
	ProcessExited bool
	ExitCode      int
	OutputBuffer  *RingBuffer
}

// SessionConfig holds configuration for creating a new session.
type SessionConfig struct {
	ID               string
	UserID           string
	Shell            string
	Rows             int
	Cols             int
	Env              []string
	WorkDir          string
	OutputBufferSize int // ring buffer capacity in bytes (0 = default)
}

// NewSession starts a new PTY session running Shell in WorkDir.
func NewSession(cfg SessionConfig) (*Session, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Session{
		ID:           cfg.ID,
		UserID:       cfg.UserID,
		Cmd:          cmd,
		Pty:          ptmx,
		Rows:         rows,
		Cols:         cols,
		CreatedAt:    now,
		LastActive:   now,
		OutputBuffer: NewRingBuffer(cfg.OutputBufferSize),
	}, nil
}

// Write writes to the PTY.
func (s *Session) Write(p []byte) (n int, err error) {
	s.updateLastActive()
	return s.Pty.Write(p)
}

// Resize resizes the PTY window.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	s.Rows = rows
	s.Cols = cols
	s.mu.Unlock()
	return pty.Setsize(s.Pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// StartOutputReader runs a persistent goroutine that reads PTY output,
// writes it to the ring buffer, and invokes onOutput with each chunk.
// onExit fires once, when the read loop ends (process exited or error).
func (s *Session) StartOutputReader(onOutput func(sessionID string, data []byte), onExit func(sessionID string)) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := s.Pty.Read(buf)
			if n > 0 {
				s.updateLastActive()
				chunk := buf[:n]
				s.OutputBuffer.Write(chunk)
				if onOutput != nil {
					onOutput(s.ID, chunk)
				}
			}
			if err != nil {
				s.mu.Lock()
				s.ProcessExited = true
				if s.Cmd.ProcessState != nil {
					s.ExitCode = s.Cmd.ProcessState.ExitCode()
				}
				s.mu.Unlock()
				if onExit != nil {
					onExit(s.ID)
				}
				return
			}
		}
	}()
}

// Close tears down the PTY and the shell process under it.
func (s *Session) Close() error {
	if err := s.Pty.Close(); err != nil && err != io.EOF {
		return err
	}
	if s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
		_, _ = s.Cmd.Process.Wait()
	}
	return nil
}

// IsRunning reports whether the underlying process is still running.
func (s *Session) IsRunning() bool {
	if s.Cmd.Process == nil {
		return false
	}
	return s.Cmd.ProcessState == nil
}

func (s *Session) updateLastActive() {
	s.mu.Lock()
	s.LastActive = time.Now()
	s.mu.Unlock()
}

// GetLastActive returns the last active timestamp.
func (s *Session) GetLastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActive
}

// IdleTime returns how long the session has been idle.
func (s *Session) IdleTime() time.Duration {
	return time.Since(s.GetLastActive())
}
