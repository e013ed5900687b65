package acplink

import (
	"bufio"
	"testing"
)

func TestStartProcessEchoesStdinToStdout(t *testing.T) {
	p, err := StartProcess(ProcessConfig{Command: "cat"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	if _, err := p.Stdin().Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(p.Stdout())
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "hello\n" {
		t.Fatalf("expected echoed line, got %q", line)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p, err := StartProcess(ProcessConfig{Command: "cat"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}
