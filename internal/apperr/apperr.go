// Package apperr defines the error taxonomy shared by every operation.
//
// Validation errors are raised before storage is touched. Denied and
// not-found are distinct kinds, but callers that must not leak existence
// (capsule reads) report denial as NotFound.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind categorizes an error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindDenied     Kind = "denied"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindTimeout    Kind = "timeout"
)

// Error is a categorized error with optional field-level detail.
type Error struct {
	Kind    Kind
	Message string

	// Fields maps an input field name to what is wrong with it.
	Fields map[string]string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + e.Fields[k]
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error for a single field.
func Validation(field, problem string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "invalid input",
		Fields:  map[string]string{field: problem},
	}
}

// Fields collects field problems and converts them into one validation error.
type Fields map[string]string

// Add records a problem for field. The first problem per field wins.
func (f Fields) Add(field, format string, args ...any) {
	if _, ok := f[field]; ok {
		return
	}
	f[field] = fmt.Sprintf(format, args...)
}

// Err returns nil when no problems were recorded.
func (f Fields) Err() error {
	if len(f) == 0 {
		return nil
	}
	return &Error{Kind: KindValidation, Message: "invalid input", Fields: map[string]string(f)}
}

// NotFound reports an unknown id of the given record kind.
func NotFound(kind, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

// Denied reports an authorization failure.
func Denied(format string, args ...any) *Error {
	return &Error{Kind: KindDenied, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a lost optimistic guard.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Timeout wraps a deadline or cancellation from a blocking dependency.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: op + " timed out", Err: err}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsDenied(err error) bool     { return KindOf(err) == KindDenied }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsTimeout(err error) bool    { return KindOf(err) == KindTimeout }
