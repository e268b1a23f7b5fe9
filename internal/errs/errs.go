// Package errs defines the error kinds surfaced to the operator. Every error
// carries the failed operation, the offending identifier and, where one
// exists, a remediation hint.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindConnection       Kind = "connection"
	KindAuthentication   Kind = "authentication"
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation"
	KindRegistryCorrupt  Kind = "registry_corrupt"
	KindPartialDiscovery Kind = "partial_discovery"
	KindRateLimited      Kind = "rate_limited"
	KindRead             Kind = "read"
	KindUnknown          Kind = "unknown"
)

// Error is the structured error used across deployline.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.ID != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(e.ID)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (%s)", e.Hint)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error. err may be nil.
func E(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// Newf builds an Error whose cause is a formatted message.
func Newf(kind Kind, op, id, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: fmt.Errorf(format, args...)}
}

// WithHint sets the remediation hint and returns the same error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fatal reports whether an error must stop the enclosing operation
// rather than be recorded per item.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindAuthentication, KindRegistryCorrupt:
		return true
	}
	return false
}
