// Package hostgit implements the agent host's Git-inspection RPCs (spec
// §6 `git:status`, `git:fileDiff`): it execs the `git` binary directly
// against a session's working directory. Adapted from the teacher's
// internal/server/git.go, which shelled the same commands through
// `docker exec` into a devcontainer — this host has no container
// indirection, so the command runs against the local filesystem.
package hostgit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FileStatus is one file in `git status --porcelain=v1` output.
type FileStatus struct {
	Path    string `json:"path"`
	Status  string `json:"status"`
	OldPath string `json:"oldPath,omitempty"`
}

// Status groups files by staging state.
type Status struct {
	Staged    []FileStatus `json:"staged"`
	Unstaged  []FileStatus `json:"unstaged"`
	Untracked []FileStatus `json:"untracked"`
}

// ErrInvalidPath flags a file path outside of cwd or otherwise unsafe to
// hand to git as an argument.
var ErrInvalidPath = fmt.Errorf("invalid file path")

// SanitizeFilePath rejects path traversal, absolute paths, and null
// bytes, mirroring the teacher's validation ahead of any git invocation.
func SanitizeFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("%w: null byte", ErrInvalidPath)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: absolute path", ErrInvalidPath)
	}
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("%w: traversal", ErrInvalidPath)
		}
	}
	return nil
}

// SanitizeRef rejects anything but standard git ref characters, ahead of
// interpolating ref into a `git show <ref>:<path>` argument.
func SanitizeRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty ref", ErrInvalidPath)
	}
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '/' || r == '.' || r == '~' || r == '^':
		default:
			return fmt.Errorf("%w: invalid ref character %q", ErrInvalidPath, r)
		}
	}
	return nil
}

func run(ctx context.Context, cwd string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// GetStatus runs `git status --porcelain=v1` in cwd and groups the
// result.
func GetStatus(ctx context.Context, cwd string) (Status, error) {
	out, err := run(ctx, cwd, "status", "--porcelain=v1")
	if err != nil {
		return Status{}, err
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(output string) Status {
	s := Status{Staged: []FileStatus{}, Unstaged: []FileStatus{}, Untracked: []FileStatus{}}
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 3 {
			continue
		}
		index, worktree := line[0], line[1]
		rest := line[3:]

		var filePath, oldPath string
		if idx := strings.Index(rest, " -> "); idx >= 0 {
			oldPath = strings.TrimSpace(rest[:idx])
			filePath = strings.TrimSpace(rest[idx+4:])
		} else {
			filePath = strings.TrimSpace(rest)
		}
		if filePath == "" {
			continue
		}

		switch {
		case index == '?' && worktree == '?':
			s.Untracked = append(s.Untracked, FileStatus{Path: filePath, Status: "??"})
			continue
		case index == '!' && worktree == '!':
			continue
		}
		if index != ' ' && index != '?' {
			fs := FileStatus{Path: filePath, Status: string(index)}
			if oldPath != "" {
				fs.OldPath = oldPath
			}
			s.Staged = append(s.Staged, fs)
		}
		if worktree != ' ' && worktree != '?' {
			s.Unstaged = append(s.Unstaged, FileStatus{Path: filePath, Status: string(worktree)})
		}
	}
	return s
}

// GetFileDiff returns a unified diff for one file, staged or unstaged.
// Untracked files produce an empty `git diff`, in which case the file's
// full content is rendered as all-additions instead.
func GetFileDiff(ctx context.Context, cwd, filePath string, staged bool) (string, error) {
	if err := SanitizeFilePath(filePath); err != nil {
		return "", err
	}
	var diff string
	var err error
	if staged {
		diff, err = run(ctx, cwd, "diff", "--cached", "--", filePath)
	} else {
		diff, err = run(ctx, cwd, "diff", "--", filePath)
	}
	if err != nil {
		return "", err
	}
	if diff == "" {
		if untracked, lsErr := run(ctx, cwd, "ls-files", "--others", "--exclude-standard", "--", filePath); lsErr == nil && strings.TrimSpace(untracked) != "" {
			if content, readErr := os.ReadFile(filepath.Join(cwd, filePath)); readErr == nil && len(content) > 0 {
				diff = formatAsAdditions(filePath, string(content))
			}
		}
	}
	return diff, nil
}

func formatAsAdditions(filePath, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n", filePath)
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
	for _, line := range lines {
		b.WriteString("+" + line + "\n")
	}
	return b.String()
}

// GetFileAtRef returns a file's content at ref (or its staged version in
// the index if ref is empty, via `git show :path`).
func GetFileAtRef(ctx context.Context, cwd, filePath, ref string) (string, error) {
	if err := SanitizeFilePath(filePath); err != nil {
		return "", err
	}
	if ref != "" {
		if err := SanitizeRef(ref); err != nil {
			return "", err
		}
		return run(ctx, cwd, "show", ref+":"+filePath)
	}
	return run(ctx, cwd, "show", ":"+filePath)
}
