package crawler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide how far they propagate.
type ErrorKind string

// Error kinds surfaced by the crawl pipeline.
const (
	KindTokenNotFound      ErrorKind = "token_not_found"
	KindSchemaChanged      ErrorKind = "schema_changed"
	KindParseFailure       ErrorKind = "parse_failure"
	KindChallengeUnsolved  ErrorKind = "challenge_unsolved"
	KindInvalidResponse    ErrorKind = "invalid_response"
	KindSizeBelowThreshold ErrorKind = "size_below_threshold"
	KindIOFailure          ErrorKind = "io_failure"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindUnknown            ErrorKind = "unknown"
)

// ErrDiscoveryFailed marks a run that could not establish the total page count.
var ErrDiscoveryFailed = errors.New("total page discovery failed")

// Error is a classified pipeline failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that produced it.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
