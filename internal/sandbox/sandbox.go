// Package sandbox confines all file access to repositories under a fixed
// codebase root.
//
// Every resolved path passes two containment checks: one on the lexically
// cleaned candidate and one after realpath resolution. The second check is
// what blocks symlink escapes where a component of the path is itself a
// symlink pointing outside the root.
package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/codecompass/compassd/internal/toolerr"
)

const (
	// maxRepoNameLen bounds repository name length.
	maxRepoNameLen = 200

	// textProbeSize is how many leading bytes are inspected to classify a
	// file as text.
	textProbeSize = 8 * 1024
)

// Sandbox validates repository and file paths against a codebase root.
type Sandbox struct {
	// root is the canonical (symlink-resolved) codebase root.
	root string
}

// New creates a Sandbox rooted at codebaseRoot. The root must exist and be
// a directory.
func New(codebaseRoot string) (*Sandbox, error) {
	abs, err := filepath.Abs(codebaseRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving codebase root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving codebase root: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("codebase root unreadable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("codebase root %s is not a directory", canonical)
	}
	return &Sandbox{root: canonical}, nil
}

// Root returns the canonical codebase root.
func (s *Sandbox) Root() string {
	return s.root
}

// ValidateRepoName checks repository name rules: non-empty, at most 200
// characters, no path separators, no NUL, no ".." sequence.
func ValidateRepoName(name string) error {
	if name == "" {
		return toolerr.BadRequest("repository name cannot be empty")
	}
	if len(name) > maxRepoNameLen {
		return toolerr.BadRequest("repository name exceeds %d characters", maxRepoNameLen)
	}
	if strings.ContainsAny(name, "/\\") {
		return toolerr.BadRequest("repository name cannot contain path separators")
	}
	if strings.ContainsRune(name, 0) {
		return toolerr.BadRequest("repository name cannot contain NUL")
	}
	if strings.Contains(name, "..") {
		return toolerr.BadRequest("repository name cannot contain '..'")
	}
	return nil
}

// RepoRoot resolves and verifies the canonical root of a repository.
func (s *Sandbox) RepoRoot(repo string) (string, error) {
	if err := ValidateRepoName(repo); err != nil {
		return "", err
	}
	candidate := filepath.Join(s.root, repo)
	canonical, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", toolerr.NotFound("repository %q not found", repo)
		}
		return "", toolerr.Forbidden("repository %q cannot be resolved", repo)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return "", toolerr.NotFound("repository %q not found", repo)
	}
	if !info.IsDir() {
		return "", toolerr.BadRequest("repository %q is not a directory", repo)
	}
	if !contained(s.root, canonical) {
		return "", toolerr.Forbidden("repository %q escapes the codebase root", repo)
	}
	return canonical, nil
}

// NormalizeRelPath normalizes a user-supplied relative path to POSIX form.
// Backslashes are folded to forward slashes before any check.
func NormalizeRelPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", toolerr.BadRequest("path cannot contain NUL")
	}
	normalized := strings.ReplaceAll(path, "\\", "/")
	if normalized == "" {
		return "", toolerr.BadRequest("path cannot be empty")
	}
	if strings.HasPrefix(normalized, "/") || strings.HasPrefix(normalized, "//") {
		return "", toolerr.Forbidden("absolute paths are not allowed")
	}
	if isWindowsAbs(normalized) {
		return "", toolerr.Forbidden("absolute paths are not allowed")
	}
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", toolerr.Forbidden("path cannot contain '..'")
		}
	}
	return normalized, nil
}

// isWindowsAbs reports drive-letter paths like "C:/x" or "C:\x".
func isWindowsAbs(path string) bool {
	if len(path) < 2 || path[1] != ':' {
		return false
	}
	c := path[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// ResolveFile resolves (repo, relative path) to a canonical absolute file
// path provably contained under the repository root.
func (s *Sandbox) ResolveFile(repo, relPath string) (string, error) {
	repoRoot, err := s.RepoRoot(repo)
	if err != nil {
		return "", err
	}
	normalized, err := NormalizeRelPath(relPath)
	if err != nil {
		return "", err
	}

	candidate := filepath.Join(repoRoot, filepath.FromSlash(normalized))
	if !contained(repoRoot, candidate) {
		return "", toolerr.Forbidden("path escapes the repository root")
	}

	canonical, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", toolerr.NotFound("file %q not found in repository %q", normalized, repo)
		}
		return "", toolerr.Forbidden("path cannot be resolved")
	}
	if !contained(repoRoot, canonical) {
		return "", toolerr.Forbidden("path escapes the repository root")
	}
	return canonical, nil
}

// ClassifyText reads the first 8 KiB of the file and fails with
// UNSUPPORTED_MEDIA when a NUL byte is present or the bytes are not valid
// UTF-8.
func ClassifyText(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return toolerr.NotFound("file not found")
		}
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, textProbeSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("reading file: %w", err)
	}
	probe := buf[:n]

	for _, b := range probe {
		if b == 0 {
			return toolerr.UnsupportedMedia("binary content detected")
		}
	}
	if !validUTF8Prefix(probe, n == textProbeSize) {
		return toolerr.UnsupportedMedia("content is not valid UTF-8")
	}
	return nil
}

// validUTF8Prefix validates strict UTF-8, tolerating a multi-byte rune cut
// at the probe boundary when the probe filled completely.
func validUTF8Prefix(b []byte, truncated bool) bool {
	if utf8.Valid(b) {
		return true
	}
	if !truncated {
		return false
	}
	// Trim up to utf8.UTFMax-1 trailing bytes of a split rune.
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.Valid(b[:len(b)-i]) {
			return utf8.RuneStart(b[len(b)-i])
		}
	}
	return false
}

// contained reports whether path is root itself or lies under root.
func contained(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, "../"))
}
