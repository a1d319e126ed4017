// Package magerr defines the error taxonomy used across the indexing and
// retrieval pipeline: ConfigError, ParseError, BackendError, StoreError,
// NotFound, SecurityError.
package magerr

import "fmt"

// Kind identifies which of the six categories an error belongs to.
type Kind string

const (
	KindConfig   Kind = "config"
	KindParse    Kind = "parse"
	KindBackend  Kind = "backend"
	KindStore    Kind = "store"
	KindNotFound Kind = "not_found"
	KindSecurity Kind = "security"
)

// Error is the structured error type shared by all six categories.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by Kind, allowing errors.Is(err, magerr.Config("", nil)) style checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func new_(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Config reports invalid configuration or a missing root path. Fatal at startup.
func Config(message string, cause error) *Error { return new_(KindConfig, message, cause) }

// Parse reports unreadable or malformed source bytes. Never fatal to the pipeline.
func Parse(message string, cause error) *Error { return new_(KindParse, message, cause) }

// Backend reports an embedding/chat RPC failure.
func Backend(message string, cause error) *Error { return new_(KindBackend, message, cause) }

// Store reports a vector store I/O failure.
func Store(message string, cause error) *Error { return new_(KindStore, message, cause) }

// NotFound reports an absent symbol, file, or id.
func NotFound(message string) *Error { return new_(KindNotFound, message, nil) }

// Security reports a path that escapes the codebase root.
func Security(message string) *Error { return new_(KindSecurity, message, nil) }

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
