// Package storeerr classifies the errors produced by the store servers.
//
// Every per-item failure reported in a select response or an update error
// slot carries a Kind, so callers can react to the class of failure without
// parsing messages:
//
//	if errors.Is(err, storeerr.ErrPointUnknown) { ... }
//	switch storeerr.KindOf(err) { ... }
package storeerr

import (
	"errors"
	"fmt"
)

// Kind is the classification of a store error.
type Kind int

const (
	// KindUnknown is reported for errors that were not classified.
	KindUnknown Kind = iota
	// KindPointUnknown marks an unresolvable point reference.
	KindPointUnknown
	// KindStoreAccess marks a backend-level I/O or transaction failure.
	KindStoreAccess
	// KindServiceUnavailable marks a store or protocol client that is absent or closed.
	KindServiceUnavailable
	// KindUnsupportedOperation marks a request the target cannot honor.
	KindUnsupportedOperation
	// KindCorruption marks persisted data that violates the storage format.
	KindCorruption
	// KindUnauthorized marks an identity lacking the required permission.
	KindUnauthorized
	// KindInvalidArgument marks a malformed request item.
	KindInvalidArgument
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindPointUnknown:
		return "point-unknown"
	case KindStoreAccess:
		return "store-access"
	case KindServiceUnavailable:
		return "service-unavailable"
	case KindUnsupportedOperation:
		return "unsupported-operation"
	case KindCorruption:
		return "corruption"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidArgument:
		return "invalid-argument"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k := KindPointUnknown; k <= KindInvalidArgument; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Sentinel errors, one per kind.
var (
	ErrPointUnknown         = errors.New("point unknown")
	ErrStoreAccess          = errors.New("store access failed")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrCorruption           = errors.New("data corrupted")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidArgument      = errors.New("invalid argument")
)

func (k Kind) sentinel() error {
	switch k {
	case KindPointUnknown:
		return ErrPointUnknown
	case KindStoreAccess:
		return ErrStoreAccess
	case KindServiceUnavailable:
		return ErrServiceUnavailable
	case KindUnsupportedOperation:
		return ErrUnsupportedOperation
	case KindCorruption:
		return ErrCorruption
	case KindUnauthorized:
		return ErrUnauthorized
	case KindInvalidArgument:
		return ErrInvalidArgument
	default:
		return nil
	}
}

// StoreError is a classified error.
type StoreError struct {
	Kind  Kind
	Op    string
	Point string
	Err   error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	msg := e.Kind.String()
	if s := e.Kind.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Point != "" {
		msg += " (" + e.Point + ")"
	}
	if e.Err != nil && !errors.Is(e.Err, e.Kind.sentinel()) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of this error's kind.
func (e *StoreError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// New creates a classified error for an operation.
func New(kind Kind, op string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// ForPoint creates a classified error that names the point it concerns.
func ForPoint(kind Kind, op, point string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Point: point, Err: err}
}

// Errorf creates a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *StoreError {
	return &StoreError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	for k := KindPointUnknown; k <= KindInvalidArgument; k++ {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}

// PointUnknown reports an unresolvable point.
func PointUnknown(point string) error {
	return ForPoint(KindPointUnknown, "", point, nil)
}

// ServiceClosed reports a store or client that is absent or closed.
func ServiceClosed(op string) error {
	return New(KindServiceUnavailable, op, nil)
}

// StoreAccess wraps a backend failure.
func StoreAccess(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return New(KindStoreAccess, op, err)
}

// Corruption reports a storage format violation.
func Corruption(op, format string, args ...any) error {
	return Errorf(KindCorruption, op, format, args...)
}

// IsRetryable reports whether the failure might succeed on a later attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindStoreAccess, KindServiceUnavailable:
		return true
	default:
		return false
	}
}
