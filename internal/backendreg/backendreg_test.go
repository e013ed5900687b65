package backendreg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
default: claude
backends:
  - id: claude
    label: Claude Code
    command: claude
    args: ["--acp"]
    capability:
      list: true
      load: true
      terminal: true
  - id: gemini
    label: Gemini CLI
    command: gemini
    args: []
`

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer r.Close()

	b, ok := r.Get("claude")
	if !ok || b.Command != "claude" || !b.Capability.Load || !b.Capability.Terminal {
		t.Fatalf("unexpected backend: %+v ok=%v", b, ok)
	}

	gemini, ok := r.Get("gemini")
	if !ok || gemini.Capability.Terminal {
		t.Fatalf("expected gemini to default Terminal=false, got: %+v", gemini)
	}

	def, ok := r.Default()
	if !ok || def.ID != "claude" {
		t.Fatalf("unexpected default: %+v ok=%v", def, ok)
	}

	if len(r.List()) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(r.List()))
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer r.Close()

	updated := sampleYAML + "  - id: codex\n    label: Codex\n    command: codex\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("codex"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected hot reload to pick up new backend within deadline")
}
