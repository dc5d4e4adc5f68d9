package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/sandbox"
	"github.com/codecompass/compassd/internal/toolerr"
)

func intPtr(v int) *int { return &v }

// newTestRepo builds a sandbox root with one repository containing the
// given files.
func newTestRepo(t *testing.T, repo string, files map[string]string) *sandbox.Sandbox {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, repo, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	sb, err := sandbox.New(root)
	require.NoError(t, err)
	return sb
}

func numberedLines(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func TestOpenFileRange(t *testing.T) {
	sb := newTestRepo(t, "api", map[string]string{
		"internal/server/handler.go": numberedLines(120),
	})
	tool := NewFileReaderTool(sb, zap.NewNop())

	resp, err := tool.Open(context.Background(), OpenFileInput{
		Repo:      "api",
		Path:      "internal/server/handler.go",
		StartLine: intPtr(10),
		EndLine:   intPtr(12),
	})
	require.NoError(t, err)

	assert.Equal(t, "internal/server/handler.go", resp.Path)
	assert.Equal(t, 10, resp.StartLine)
	assert.Equal(t, 12, resp.EndLine)
	assert.Equal(t, "line 10\nline 11\nline 12\n", resp.Text)
	assert.False(t, resp.Truncated)
	require.NotNil(t, resp.TotalLines)
	assert.Equal(t, 120, *resp.TotalLines)
}

func TestOpenFileDefaults(t *testing.T) {
	sb := newTestRepo(t, "api", map[string]string{
		"main.go": numberedLines(200),
	})
	tool := NewFileReaderTool(sb, zap.NewNop())

	resp, err := tool.Open(context.Background(), OpenFileInput{
		Repo: "api",
		Path: "main.go",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.StartLine)
	assert.Equal(t, 1+defaultRangeLines, resp.EndLine)
	assert.Equal(t, 1+defaultRangeLines, strings.Count(resp.Text, "\n"))
}

func TestOpenFileRangeClampedTo200Lines(t *testing.T) {
	sb := newTestRepo(t, "api", map[string]string{
		"big.go": numberedLines(500),
	})
	tool := NewFileReaderTool(sb, zap.NewNop())

	resp, err := tool.Open(context.Background(), OpenFileInput{
		Repo:      "api",
		Path:      "big.go",
		StartLine: intPtr(1),
		EndLine:   intPtr(400),
	})
	require.NoError(t, err)

	assert.Equal(t, maxRangeLines, resp.EndLine)
	assert.Equal(t, maxRangeLines, strings.Count(resp.Text, "\n"))
	assert.False(t, resp.Truncated)
}

func TestOpenFileEndBeyondEOF(t *testing.T) {
	sb := newTestRepo(t, "api", map[string]string{
		"short.go": numberedLines(5),
	})
	tool := NewFileReaderTool(sb, zap.NewNop())

	resp, err := tool.Open(context.Background(), OpenFileInput{
		Repo:      "api",
		Path:      "short.go",
		StartLine: intPtr(3),
		EndLine:   intPtr(50),
	})
	require.NoError(t, err)

	// The reported end reflects the last emitted line, not the request.
	assert.Equal(t, 3, resp.StartLine)
	assert.Equal(t, 5, resp.EndLine)
	assert.Equal(t, "line 3\nline 4\nline 5\n", resp.Text)
	require.NotNil(t, resp.TotalLines)
	assert.Equal(t, 5, *resp.TotalLines)
}

func TestOpenFileByteBudget(t *testing.T) {
	sb := newTestRepo(t, "api", map[string]string{
		"wide.txt": strings.Repeat("a", 100) + "\n" + strings.Repeat("b", 100) + "\n",
	})
	tool := NewFileReaderTool(sb, zap.NewNop())

	resp, err := tool.Open(context.Background(), OpenFileInput{
		Repo:     "api",
		Path:     "wide.txt",
		MaxBytes: intPtr(150),
	})
	require.NoError(t, err)

	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Text, 150)
	// The scan stopped before end-of-file, so the line total is unknown.
	assert.Nil(t, resp.TotalLines)
}

func TestOpenFileInvalidRanges(t *testing.T) {
	sb := newTestRepo(t, "api", map[string]string{"a.go": "package a\n"})
	tool := NewFileReaderTool(sb, zap.NewNop())

	tests := []struct {
		name string
		in   OpenFileInput
	}{
		{"zero start", OpenFileInput{Repo: "api", Path: "a.go", StartLine: intPtr(0)}},
		{"negative start", OpenFileInput{Repo: "api", Path: "a.go", StartLine: intPtr(-4)}},
		{"end before start", OpenFileInput{Repo: "api", Path: "a.go", StartLine: intPtr(10), EndLine: intPtr(4)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tool.Open(context.Background(), tc.in)
			require.Error(t, err)
			assert.Equal(t, toolerr.CodeBadRequest, toolerr.CodeOf(err))
		})
	}
}

func TestOpenFileSandboxViolations(t *testing.T) {
	sb := newTestRepo(t, "api", map[string]string{"a.go": "package a\n"})
	tool := NewFileReaderTool(sb, zap.NewNop())

	tests := []struct {
		name string
		in   OpenFileInput
		code toolerr.Code
	}{
		{"traversal", OpenFileInput{Repo: "api", Path: "../other/a.go"}, toolerr.CodeForbidden},
		{"absolute path", OpenFileInput{Repo: "api", Path: "/etc/passwd"}, toolerr.CodeForbidden},
		{"missing repo", OpenFileInput{Repo: "nope", Path: "a.go"}, toolerr.CodeNotFound},
		{"missing file", OpenFileInput{Repo: "api", Path: "b.go"}, toolerr.CodeNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tool.Open(context.Background(), tc.in)
			require.Error(t, err)
			assert.Equal(t, tc.code, toolerr.CodeOf(err))
		})
	}
}

func TestOpenFileBinaryContent(t *testing.T) {
	sb := newTestRepo(t, "api", map[string]string{
		"blob.bin": "header\x00payload\n",
	})
	tool := NewFileReaderTool(sb, zap.NewNop())

	_, err := tool.Open(context.Background(), OpenFileInput{Repo: "api", Path: "blob.bin"})
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeUnsupportedMedia, toolerr.CodeOf(err))
}

func TestOpenFileBackslashPathNormalized(t *testing.T) {
	sb := newTestRepo(t, "api", map[string]string{
		"internal/a.go": "package a\n",
	})
	tool := NewFileReaderTool(sb, zap.NewNop())

	resp, err := tool.Open(context.Background(), OpenFileInput{
		Repo: "api",
		Path: `internal\a.go`,
	})
	require.NoError(t, err)
	assert.Equal(t, "internal/a.go", resp.Path)
}
