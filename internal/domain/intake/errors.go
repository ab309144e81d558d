package intake

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that map failures to transport codes.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindForbidden   Kind = "forbidden"
	KindConflict    Kind = "conflict"
	KindPersistence Kind = "persistence"
)

// Error codes
const (
	CodeInvalidCalculationInput = "INVALID_CALCULATION_INPUT"
	CodeInvalidDispense         = "INVALID_DISPENSE"
	CodeInvalidRange            = "INVALID_RANGE"
	CodeIntakeNotFound          = "INTAKE_NOT_FOUND"
	CodeItemNotFound            = "PRESCRIPTION_ITEM_NOT_FOUND"
	CodePatientProfileMissing   = "PATIENT_PROFILE_MISSING"
	CodeNotOwner                = "NOT_OWNER"
	CodeStaleIntake             = "STALE_INTAKE"
	CodeStorage                 = "STORAGE_FAILURE"
)

// Error is the structured error returned by every intake operation.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind, and on Code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Sentinels for errors.Is checks by kind.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrForbidden   = &Error{Kind: KindForbidden}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrPersistence = &Error{Kind: KindPersistence}
)

func NewValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func NewNotFoundError(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// NewForbiddenError never carries details about the target resource.
func NewForbiddenError() *Error {
	return &Error{Kind: KindForbidden, Code: CodeNotOwner, Message: "not permitted"}
}

func NewConflictError(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// NewPersistenceError wraps a storage failure for op.
func NewPersistenceError(op string, cause error) *Error {
	return &Error{Kind: KindPersistence, Code: CodeStorage, Message: op, Cause: cause}
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTerminal reports whether retrying err cannot succeed without new input.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindForbidden:
		return true
	}
	return false
}
