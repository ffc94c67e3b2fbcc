// Package apperr classifies pipeline failures so callers can decide on retries
// and response codes by kind instead of by message.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// Internal is anything not otherwise classified.
	Internal Kind = iota
	// Transient failures (network, expired auth) may succeed on another attempt.
	Transient
	// Validation failures come from bad input and are never retried.
	Validation
	// Policy failures are content-safety rejections. Expected, not incidents.
	Policy
	// ResourceExhausted failures may succeed with degraded parameters.
	ResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Policy:
		return "policy"
	case ResourceExhausted:
		return "resource_exhausted"
	default:
		return "internal"
	}
}

var (
	ErrNotAPDF             = errors.New("payload is not a PDF")
	ErrInvalidGeometry     = errors.New("invalid page geometry")
	ErrPageOutOfRange      = errors.New("page number out of range")
	ErrFetchExhausted      = errors.New("fetch attempts exhausted")
	ErrUploadExhausted     = errors.New("upload attempts exhausted")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrRasterizationFailed = errors.New("rasterization failed")
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func TransientError(op string, err error) *Error {
	return New(Transient, op, err)
}

func ValidationError(op string, err error) *Error {
	return New(Validation, op, err)
}

func PolicyError(op string, err error) *Error {
	return New(Policy, op, err)
}

func ResourceError(op string, err error) *Error {
	return New(ResourceExhausted, op, err)
}

// KindOf reports the kind of the outermost classified error in err's chain,
// or Internal when nothing in the chain carries a kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
