package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
)

// Sentinel errors for the failure classes the agent distinguishes at
// runtime. Match with Is; attach one to a cause with WithKind.
var (
	ErrAuth              = stderrors.New("authentication failed")
	ErrTokenExpired      = stderrors.New("access token expired")
	ErrRefreshInProgress = stderrors.New("token refresh already in progress")
	ErrNetwork           = stderrors.New("network failure")
	ErrAPI               = stderrors.New("api request failed")
	ErrMalformedJSON     = stderrors.New("malformed json")
	ErrToolNotFound      = stderrors.New("tool not found")
	ErrMalformedInput    = stderrors.New("malformed tool input")
	ErrToolExecution     = stderrors.New("tool execution failed")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	return fmt.Errorf("[%s:%d] %s", file, line, fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	return fmt.Errorf("[%s:%d] %s: %w", file, line, fmt.Sprintf(format, a...), err)
}

// WithKind attaches a sentinel classification to err while preserving the
// original cause chain. Both the kind and the cause remain matchable with Is.
func WithKind(err, kind error) error {
	if err == nil {
		return nil
	}
	return &kindError{err: err, kind: kind}
}

type kindError struct {
	err  error
	kind error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.err }

// StatusError reports a non-2xx response from a provider API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Unwrap classifies the status so callers can match with Is: 401 is an
// authentication failure, everything else a generic API failure.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrAuth
	}
	return ErrAPI
}

// Is re-exports the standard matcher so callers need a single errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As re-exports the standard matcher so callers need a single errors import.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }
