// Package errs defines the failure kinds reported by the generation pipeline.
//
// Every component attaches a Kind once, at its own boundary. Callers use
// errors.Is against the exported sentinels, or KindOf, to tell a text
// generation failure from a synthesis or persistence failure.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidRequest        Kind = "InvalidRequest"
	KindMissingCredential     Kind = "MissingCredential"
	KindProviderUnavailable   Kind = "ProviderUnavailable"
	KindProviderResponseError Kind = "ProviderResponseError"
	KindInvalidReferenceAudio Kind = "InvalidReferenceAudio"
	KindModelLoadError        Kind = "ModelLoadError"
	KindSynthesisError        Kind = "SynthesisError"
	KindPersistenceError      Kind = "PersistenceError"
)

var (
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrMissingCredential     = &Error{Kind: KindMissingCredential}
	ErrProviderUnavailable   = &Error{Kind: KindProviderUnavailable}
	ErrProviderResponseError = &Error{Kind: KindProviderResponseError}
	ErrInvalidReferenceAudio = &Error{Kind: KindInvalidReferenceAudio}
	ErrModelLoadError        = &Error{Kind: KindModelLoadError}
	ErrSynthesisError        = &Error{Kind: KindSynthesisError}
	ErrPersistenceError      = &Error{Kind: KindPersistenceError}
)

// Error is a failure tagged with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the bare sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// E tags err with kind. If err already carries a kind it is returned unchanged
// so that the innermost classification wins.
func E(kind Kind, op string, err error) error {
	if err != nil && KindOf(err) != "" {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef is E with a formatted cause.
func Ef(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err, or "" when err is untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Message returns the human-readable cause without the kind prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
