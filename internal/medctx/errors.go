package medctx

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Every kind has a default the engine
// resolves to, so a Kind never reaches the chat caller as a fault.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	KindEmbedding  Kind = "embedding unavailable"
	KindExtraction Kind = "entity extraction failed"
	KindAnalysis   Kind = "analysis failed"
	KindStorage    Kind = "context storage failed"
	KindGeneration Kind = "generation failed"
)

// ErrNotFound is returned by a Storage when no record exists for a key.
var ErrNotFound = errors.New("medctx: context not found")

// ErrUnknownSpecialty is returned when a specialty is not registered.
var ErrUnknownSpecialty = errors.New("medctx: unknown specialty")

// Error carries the failing operation and its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
