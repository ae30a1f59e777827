// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors provides Kind-typed errors shared by the arflow data plane.
//
// The data plane never lets an error escape the worker loop; kinds are what the
// loop switches on to decide between degrading a flow and counting a fault.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindConflict
	KindExhausted
	KindUnavailable
	KindTimeout
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindExhausted:
		return "exhausted"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying a Kind and optional attributes.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" && e.Underlying != nil {
		return e.Underlying.Error()
	}
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps err as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr returns err with an attribute attached.
//
// Package-level sentinels are shared, so Attr never mutates its argument; it
// adds a transparent layer that keeps the kind of err (KindInternal for plain
// errors) and still matches err with Is.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	kind := GetKind(err)
	if kind == KindUnknown {
		kind = KindInternal
	}
	return &Error{
		Kind:       kind,
		Underlying: err,
		Attributes: map[string]any{key: val},
	}
}

// GetKind returns the Kind of the outermost structured error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// GetAttributes returns all attributes associated with the error and its chain.
// Attributes closer to the top of the chain win.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)

	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		e, ok := cur.(*Error)
		if !ok {
			continue
		}
		for k, v := range e.Attributes {
			if _, exists := attrs[k]; !exists {
				attrs[k] = v
			}
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join returns an error wrapping every non-nil error in errs, or nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
