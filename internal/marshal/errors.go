package marshal

import (
	"errors"
	"fmt"
)

// ErrorKind classifies marshaling failures
type ErrorKind string

const (
	KindMalformedRecord           ErrorKind = "MalformedRecord"
	KindUnknownProperty           ErrorKind = "UnknownProperty"
	KindArrayCardinalityViolation ErrorKind = "ArrayCardinalityViolation"
	KindPartialPoint              ErrorKind = "PartialPoint"
	KindMissingClassQualifier     ErrorKind = "MissingClassQualifier"
	KindAmbiguousNavigation       ErrorKind = "AmbiguousNavigation"
	KindNavigationTargetNotFound  ErrorKind = "NavigationTargetNotFound"
	KindNotMapped                 ErrorKind = "NotMapped"
	KindInternal                  ErrorKind = "Internal"
)

// Sentinels for errors.Is
var (
	ErrMalformedRecord           = &Error{Kind: KindMalformedRecord}
	ErrUnknownProperty           = &Error{Kind: KindUnknownProperty}
	ErrArrayCardinalityViolation = &Error{Kind: KindArrayCardinalityViolation}
	ErrPartialPoint              = &Error{Kind: KindPartialPoint}
	ErrMissingClassQualifier     = &Error{Kind: KindMissingClassQualifier}
	ErrAmbiguousNavigation       = &Error{Kind: KindAmbiguousNavigation}
	ErrNavigationTargetNotFound  = &Error{Kind: KindNavigationTargetNotFound}
	ErrNotMapped                 = &Error{Kind: KindNotMapped}
	ErrInternal                  = &Error{Kind: KindInternal}
)

// Error is a per-record marshaling error
type Error struct {
	Kind    ErrorKind
	Class   string
	Path    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	switch {
	case e.Class != "" && e.Path != "":
		msg += " (" + e.Class + "." + e.Path + ")"
	case e.Class != "":
		msg += " (" + e.Class + ")"
	case e.Path != "":
		msg += " (" + e.Path + ")"
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
	return t.Kind == e.Kind && t.Class == "" && t.Path == "" && t.Message == ""
}

func newError(kind ErrorKind, class, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Class: class, Path: path, Message: fmt.Sprintf(format, args...)}
}

// IsMarshalError checks if err is a marshaling error
func IsMarshalError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// KindOf returns the kind of a marshaling error, or "" if err is not one
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
