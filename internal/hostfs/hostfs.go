// Package hostfs implements the agent host's filesystem-inspection RPCs
// (spec §6 `fs:roots`, `fs:entries`, `fs:file`, `fs:resources`,
// `hostfs:roots`, `hostfs:entries`): read-only directory listing, file
// preview, and glob-based resource enumeration scoped under a root
// directory, with no shell-out (adapted from the teacher's
// internal/server/files.go, which shelled out to `find` inside a
// devcontainer — this host has no container indirection, so the listing
// walks the local filesystem directly via os.ReadDir).
package hostfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is one file or directory in a listing.
type Entry struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"` // "file", "dir", "symlink"
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// ErrEscapesRoot is returned when a relative path would resolve outside
// of its root.
var ErrEscapesRoot = fmt.Errorf("path escapes root")

// resolve joins root and relPath, rejecting any result that escapes root.
func resolve(root, relPath string) (string, error) {
	clean := filepath.Clean("/" + relPath)
	full := filepath.Join(root, clean)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", ErrEscapesRoot
	}
	return full, nil
}

// ListEntries lists the immediate children of root/relPath, directories
// first then alphabetically, mirroring the teacher's sort order.
func ListEntries(root, relPath string) ([]Entry, error) {
	dir, err := resolve(root, relPath)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:       de.Name(),
			Type:       entryType(de, info),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Type == "dir") != (out[j].Type == "dir") {
			return out[i].Type == "dir"
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

func entryType(de os.DirEntry, info fs.FileInfo) string {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return "symlink"
	case de.IsDir():
		return "dir"
	default:
		return "file"
	}
}

// FilePreview reads up to maxBytes of root/relPath, reporting whether the
// file was truncated.
func FilePreview(root, relPath string, maxBytes int64) (content []byte, truncated bool, err error) {
	full, err := resolve(root, relPath)
	if err != nil {
		return nil, false, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, false, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, maxBytes+1)
	n, err := f.Read(buf)
	if err != nil && n == 0 && err.Error() != "EOF" {
		return nil, false, fmt.Errorf("read file: %w", err)
	}
	if int64(n) > maxBytes {
		return buf[:maxBytes], true, nil
	}
	return buf[:n], false, nil
}

// FindResources returns paths under root matching any of the doublestar
// glob patterns (spec §6 `fs:resources` — resource enumeration for
// @-mention style pickers), skipping common noise directories the
// teacher's find-based listing also excluded.
func FindResources(root string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"**/*"}
	}
	fsys := os.DirFS(root)
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if isNoise(m) || seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

var noisePrefixes = []string{
	"node_modules/", ".git/", "dist/", ".next/", "coverage/", "__pycache__/", "vendor/",
}

func isNoise(path string) bool {
	for _, prefix := range noisePrefixes {
		if strings.Contains(path, "/"+prefix) || strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return strings.HasSuffix(path, ".pyc") || strings.HasSuffix(path, ".DS_Store")
}

// Roots returns the configured browsable root directories for hostfs:roots
// (distinct from fs:roots, which is always just the session's own cwd).
func Roots(configured []string) []string {
	out := make([]string, len(configured))
	copy(out, configured)
	return out
}
