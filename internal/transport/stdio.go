// Package transport exposes the dispatcher over stdio and HTTP.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/codecompass/compassd/internal/protocol"
)

// Framing of the stdio stream, locked after the first message.
type framing int

const (
	framingUnknown framing = iota

	// framingContentLength is the header-delimited framing:
	// "Content-Length: N\r\n\r\n<body>".
	framingContentLength

	// framingNDJSON is one JSON document per line. Only this framing
	// accepts the legacy envelope.
	framingNDJSON
)

// maxHeaderValue bounds a declared Content-Length.
const maxContentLength = 16 << 20

// StdioServer serves the dispatcher over a byte stream. Messages are
// handled concurrently; responses are written in completion order under a
// write lock so frames never interleave.
type StdioServer struct {
	dispatcher *protocol.Dispatcher
	logger     *zap.Logger
	in         *bufio.Reader
	out        io.Writer

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewStdioServer creates a stdio server reading from in and writing to out.
func NewStdioServer(dispatcher *protocol.Dispatcher, in io.Reader, out io.Writer, logger *zap.Logger) *StdioServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioServer{
		dispatcher: dispatcher,
		logger:     logger,
		in:         bufio.NewReader(in),
		out:        out,
	}
}

// Run reads messages until end-of-input or context cancellation. The
// framing is detected from the first byte of the first message: '{'
// selects newline-delimited JSON, anything else is treated as
// header-delimited framing.
func (s *StdioServer) Run(ctx context.Context) error {
	mode, err := s.detectFraming()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	s.logger.Info("stdio transport ready",
		zap.String("framing", framingName(mode)))

	switch mode {
	case framingNDJSON:
		err = s.runNDJSON(ctx)
	default:
		err = s.runContentLength(ctx)
	}

	s.wg.Wait()
	if err == io.EOF {
		return nil
	}
	return err
}

// detectFraming peeks past leading whitespace at the first payload byte.
func (s *StdioServer) detectFraming() (framing, error) {
	for {
		b, err := s.in.Peek(1)
		if err != nil {
			return framingUnknown, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := s.in.ReadByte(); err != nil {
				return framingUnknown, err
			}
			continue
		case '{':
			return framingNDJSON, nil
		default:
			return framingContentLength, nil
		}
	}
}

func (s *StdioServer) runNDJSON(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := s.in.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			s.handleLine(ctx, trimmed)
		}
		if err != nil {
			return err
		}
	}
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) {
	msg := make([]byte, len(line))
	copy(msg, line)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if protocol.IsLegacy(msg) {
			s.writeLine(s.dispatcher.HandleLegacy(ctx, msg))
			return
		}
		if out, ok := s.dispatcher.Handle(ctx, msg); ok {
			s.writeLine(out)
		}
	}()
}

func (s *StdioServer) runContentLength(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := s.readFrame()
		if err != nil {
			return err
		}
		s.handleFrame(ctx, body)
	}
}

// readFrame consumes one header block and its body.
func (s *StdioServer) readFrame() ([]byte, error) {
	length := -1
	for {
		line, err := s.in.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 || n > maxContentLength {
				return nil, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
			}
			length = n
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(s.in, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *StdioServer) handleFrame(ctx context.Context, body []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if out, ok := s.dispatcher.Handle(ctx, body); ok {
			s.writeFrame(out)
		}
	}()
}

func (s *StdioServer) writeLine(msg []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(msg, '\n')); err != nil {
		s.logger.Error("stdio write failed", zap.Error(err))
	}
}

func (s *StdioServer) writeFrame(msg []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := fmt.Fprintf(s.out, "Content-Length: %d\r\n\r\n%s", len(msg), msg); err != nil {
		s.logger.Error("stdio write failed", zap.Error(err))
	}
}

func framingName(mode framing) string {
	if mode == framingNDJSON {
		return "ndjson"
	}
	return "content-length"
}
