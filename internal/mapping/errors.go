package mapping

import (
	"errors"
	"fmt"
)

// ErrorKind classifies mapping failures
type ErrorKind string

const (
	KindIncompatibleStrategyOverride   ErrorKind = "IncompatibleStrategyOverride"
	KindColumnNameCollision            ErrorKind = "ColumnNameCollision"
	KindCyclicBaseClass                ErrorKind = "CyclicBaseClass"
	KindAmbiguousShape                 ErrorKind = "AmbiguousShape"
	KindUnsupportedCascadeAcrossJoined ErrorKind = "UnsupportedCascadeAcrossJoinedTables"
	KindInvalidOverrideCombination     ErrorKind = "InvalidOverrideCombination"
	KindMultiplicityDirectionMismatch  ErrorKind = "MultiplicityDirectionMismatch"
	KindIncompatibleSchemaChange       ErrorKind = "IncompatibleSchemaChange"
	KindInvalidModel                   ErrorKind = "InvalidModel"
	KindInternal                       ErrorKind = "Internal"
)

// Sentinels for errors.Is
var (
	ErrIncompatibleStrategyOverride   = &Error{Kind: KindIncompatibleStrategyOverride}
	ErrColumnNameCollision            = &Error{Kind: KindColumnNameCollision}
	ErrCyclicBaseClass                = &Error{Kind: KindCyclicBaseClass}
	ErrAmbiguousShape                 = &Error{Kind: KindAmbiguousShape}
	ErrUnsupportedCascadeAcrossJoined = &Error{Kind: KindUnsupportedCascadeAcrossJoined}
	ErrInvalidOverrideCombination     = &Error{Kind: KindInvalidOverrideCombination}
	ErrMultiplicityDirectionMismatch  = &Error{Kind: KindMultiplicityDirectionMismatch}
	ErrIncompatibleSchemaChange       = &Error{Kind: KindIncompatibleSchemaChange}
	ErrInvalidModel                   = &Error{Kind: KindInvalidModel}
	ErrInternal                       = &Error{Kind: KindInternal}
)

// Error is a schema-authoring error found during resolution
type Error struct {
	Kind    ErrorKind
	Class   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Class != "" {
		msg += " (" + e.Class + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Class == "" && t.Message == ""
}

func newError(kind ErrorKind, class string, format string, args ...any) *Error {
	return &Error{Kind: kind, Class: class, Message: fmt.Sprintf(format, args...)}
}

// IsMappingError checks if err is a mapping error
func IsMappingError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// KindOf returns the kind of a mapping error, or "" if err is not one
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
