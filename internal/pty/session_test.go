package pty

import (
	"bytes"
	"testing"
	"time"
)

func TestOutputBuffering_RingBufferCapturesOutput(t *testing.T) {
	session, err := NewSession(SessionConfig{
		ID:               "sess-buf-test",
		UserID:           "user1",
		Shell:            "/bin/sh",
		Rows:             24,
		Cols:             80,
		OutputBufferSize: 4096,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer session.Close()

	var received [][]byte
	session.StartOutputReader(
		func(sessionID string, data []byte) {
			chunk := append([]byte(nil), data...)
			received = append(received, chunk)
		},
		nil,
	)

	if _, err := session.Write([]byte("echo hello-output\n")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	bufContent := session.OutputBuffer.ReadAll()
	if len(bufContent) == 0 {
		t.Fatal("expected ring buffer to have content")
	}
	if !bytes.Contains(bufContent, []byte("hello-output")) {
		t.Fatalf("expected ring buffer to contain 'hello-output', got: %s", string(bufContent))
	}
	if len(received) == 0 {
		t.Fatal("expected onOutput to have been called at least once")
	}
}

func TestStartOutputReader_SetsProcessExitedOnExit(t *testing.T) {
	session, err := NewSession(SessionConfig{
		ID:               "sess-exit-test",
		UserID:           "user1",
		Shell:            "/bin/sh",
		Rows:             24,
		Cols:             80,
		OutputBufferSize: 1024,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	exitCh := make(chan string, 1)
	session.StartOutputReader(nil, func(sessionID string) {
		exitCh <- sessionID
	})

	// Tell the shell to exit
	_, _ = session.Write([]byte("exit\n"))

	select {
	case id := <-exitCh:
		if id != "sess-exit-test" {
			t.Fatalf("expected session ID sess-exit-test, got %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit callback")
	}

	session.mu.RLock()
	exited := session.ProcessExited
	session.mu.RUnlock()

	if !exited {
		t.Fatal("expected ProcessExited to be true after process exits")
	}
}
