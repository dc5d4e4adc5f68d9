// Package toolerr defines the classified error taxonomy shared by every
// tool and transport. Codes cross the protocol boundary verbatim, both in
// JSON-RPC tool results and in the legacy envelope.
package toolerr

import (
	"errors"
	"fmt"
)

// Code identifies a classified failure.
type Code string

const (
	// CodeBadRequest indicates an input validation failure (shape, ranges,
	// character rules).
	CodeBadRequest Code = "BAD_REQUEST"

	// CodeForbidden indicates a containment or permission violation
	// (traversal, symlink escape, global scope disabled).
	CodeForbidden Code = "FORBIDDEN"

	// CodeNotFound indicates a missing repository or file.
	CodeNotFound Code = "NOT_FOUND"

	// CodeUnsupportedMedia indicates binary content was detected.
	CodeUnsupportedMedia Code = "UNSUPPORTED_MEDIA"

	// CodeEmbeddingFailed indicates the embedding service call failed.
	CodeEmbeddingFailed Code = "EMBEDDING_FAILED"

	// CodeEmbeddingInvalid indicates the embedding service returned an
	// unusable shape.
	CodeEmbeddingInvalid Code = "EMBEDDING_INVALID"

	// CodeChatFailed indicates the chat service call failed.
	CodeChatFailed Code = "CHAT_FAILED"

	// CodeQdrantUnavailable indicates all required collections failed, or
	// any failed under strict mode.
	CodeQdrantUnavailable Code = "QDRANT_UNAVAILABLE"

	// CodeInternal is the fallback for unclassified failures. It never
	// leaks internal details.
	CodeInternal Code = "INTERNAL"
)

// internalMessage is the fixed message for downgraded failures.
const internalMessage = "internal server error"

// Error is a classified tool error.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a classified error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// BadRequest creates a BAD_REQUEST error.
func BadRequest(format string, args ...any) *Error {
	return New(CodeBadRequest, format, args...)
}

// Forbidden creates a FORBIDDEN error.
func Forbidden(format string, args ...any) *Error {
	return New(CodeForbidden, format, args...)
}

// NotFound creates a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// UnsupportedMedia creates an UNSUPPORTED_MEDIA error.
func UnsupportedMedia(format string, args ...any) *Error {
	return New(CodeUnsupportedMedia, format, args...)
}

// Classify returns err as a classified error, downgrading anything
// unclassified to INTERNAL with a fixed message.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Code: CodeInternal, Message: internalMessage}
}

// CodeOf returns the classified code of err, or CodeInternal for
// unclassified errors.
func CodeOf(err error) Code {
	return Classify(err).Code
}
