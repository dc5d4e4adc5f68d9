package tools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/sandbox"
	"github.com/codecompass/compassd/internal/toolerr"
)

// File reader limits.
const (
	defaultRangeLines = 50
	maxRangeLines     = 200
	defaultMaxBytes   = 200_000
	maxMaxBytes       = 1_000_000
)

// OpenFileInput is the open_file request. Line numbers are 1-based and the
// range is inclusive.
type OpenFileInput struct {
	Repo      string `json:"repo"`
	Path      string `json:"path"`
	StartLine *int   `json:"startLine,omitempty"`
	EndLine   *int   `json:"endLine,omitempty"`
	MaxBytes  *int   `json:"maxBytes,omitempty"`
}

// FileResponse is the open_file output. TotalLines is null when the read
// stopped before end-of-file because the byte budget ran out.
type FileResponse struct {
	Path       string `json:"path"`
	StartLine  int    `json:"startLine"`
	EndLine    int    `json:"endLine"`
	TotalLines *int   `json:"totalLines"`
	Text       string `json:"text"`
	Truncated  bool   `json:"truncated"`
}

// FileReaderTool reads a bounded line range of a file inside the sandbox.
type FileReaderTool struct {
	sandbox *sandbox.Sandbox
	logger  *zap.Logger
}

// NewFileReaderTool creates the open_file tool.
func NewFileReaderTool(sb *sandbox.Sandbox, logger *zap.Logger) *FileReaderTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileReaderTool{sandbox: sb, logger: logger}
}

// Open executes open_file.
func (t *FileReaderTool) Open(ctx context.Context, in OpenFileInput) (*FileResponse, error) {
	_, span := tracer.Start(ctx, "tools.OpenFile")
	defer span.End()

	start, end, maxBytes, err := clampRange(in)
	if err != nil {
		return nil, err
	}

	normalized, err := sandbox.NormalizeRelPath(in.Path)
	if err != nil {
		return nil, err
	}
	resolved, err := t.sandbox.ResolveFile(in.Repo, in.Path)
	if err != nil {
		return nil, err
	}
	if err := sandbox.ClassifyText(resolved); err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	text, lastEmitted, totalLines, truncated, err := readRange(f, start, end, maxBytes)
	if err != nil {
		return nil, err
	}

	respEnd := end
	if lastEmitted > 0 && lastEmitted < end {
		respEnd = lastEmitted
	}

	t.logger.Debug("file range read",
		zap.String("repo", in.Repo),
		zap.String("path", normalized),
		zap.Int("startLine", start),
		zap.Int("endLine", respEnd),
		zap.Bool("truncated", truncated))

	return &FileResponse{
		Path:       normalized,
		StartLine:  start,
		EndLine:    respEnd,
		TotalLines: totalLines,
		Text:       text,
		Truncated:  truncated,
	}, nil
}

// clampRange applies defaults and clamps: endLine at most startLine+199,
// maxBytes at most 1,000,000.
func clampRange(in OpenFileInput) (start, end, maxBytes int, err error) {
	start = 1
	if in.StartLine != nil {
		start = *in.StartLine
	}
	if start < 1 {
		return 0, 0, 0, toolerr.BadRequest("startLine must be >= 1")
	}

	end = start + defaultRangeLines
	if in.EndLine != nil {
		end = *in.EndLine
	}
	if end < start {
		return 0, 0, 0, toolerr.BadRequest("endLine must be >= startLine")
	}
	if end > start+maxRangeLines-1 {
		end = start + maxRangeLines - 1
	}

	maxBytes = defaultMaxBytes
	if in.MaxBytes != nil && *in.MaxBytes > 0 {
		maxBytes = *in.MaxBytes
	}
	if maxBytes > maxMaxBytes {
		maxBytes = maxMaxBytes
	}
	return start, end, maxBytes, nil
}

// readRange streams lines, emits [start, end] within the byte budget, and
// keeps counting to end-of-file so totalLines can be reported. When the
// budget would overflow, the offending line is byte-sliced, truncated is
// set, and the scan stops (totalLines stays unknown).
func readRange(r io.Reader, start, end, maxBytes int) (text string, lastEmitted int, totalLines *int, truncated bool, err error) {
	reader := bufio.NewReader(r)
	var b strings.Builder
	emittedBytes := 0
	lineNo := 0

	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			lineNo++
			if strings.ContainsRune(line, 0) {
				return "", 0, nil, false, toolerr.UnsupportedMedia("binary content detected")
			}
			if lineNo >= start && lineNo <= end {
				if emittedBytes+len(line) > maxBytes {
					b.WriteString(line[:maxBytes-emittedBytes])
					return b.String(), lineNo, nil, true, nil
				}
				b.WriteString(line)
				emittedBytes += len(line)
				lastEmitted = lineNo
			}
		}
		if readErr == io.EOF {
			total := lineNo
			return b.String(), lastEmitted, &total, false, nil
		}
		if readErr != nil {
			return "", 0, nil, false, fmt.Errorf("reading file: %w", readErr)
		}
	}
}
