package permkit

import (
	"errors"
	"fmt"
)

// Sentinel errors for PermKit operations.
var (
	// ErrUnauthenticated is returned when a credential is missing, invalid or expired.
	ErrUnauthenticated = errors.New("permkit: unauthenticated")

	// ErrForbidden is returned when the evaluator denies an action.
	ErrForbidden = errors.New("permkit: forbidden")

	// ErrValidation is returned for malformed input, before any store mutation.
	ErrValidation = errors.New("permkit: validation failed")

	// ErrConflict is returned on uniqueness violations and blocked deletions.
	ErrConflict = errors.New("permkit: conflict")

	// ErrNotFound is returned when a referenced role, permission or user does not exist.
	ErrNotFound = errors.New("permkit: not found")

	// ErrEvaluation is returned when an authorization decision could not be computed.
	ErrEvaluation = errors.New("permkit: evaluation error")

	// ErrStore is returned when the underlying store fails or a transaction aborts.
	ErrStore = errors.New("permkit: store error")
)

// Error wraps a sentinel error with additional context.
type Error struct {
	Err     error  // Underlying sentinel error
	Message string // Additional context
	Module  string // Module involved (if applicable)
	Action  Action // Action involved (if applicable)
	Role    string // Role involved (if applicable)
	UserID  int64  // User involved (if applicable)
	Cause   error  // Store error that triggered this one (if any)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying errors for errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// Is checks if the error matches a target error.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new Error with context.
func NewError(err error, message string) *Error {
	return &Error{
		Err:     err,
		Message: message,
	}
}

// WithModule adds module information to the error.
func (e *Error) WithModule(module string) *Error {
	e.Module = module
	return e
}

// WithAction adds action information to the error.
func (e *Error) WithAction(action Action) *Error {
	e.Action = action
	return e
}

// WithRole adds role information to the error.
func (e *Error) WithRole(role string) *Error {
	e.Role = role
	return e
}

// WithUser adds user information to the error.
func (e *Error) WithUser(userID int64) *Error {
	e.UserID = userID
	return e
}

// WithCause attaches the store error that triggered this one.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// storeError wraps a failed store call. The caller's operation name becomes the message.
func storeError(op string, cause error) *Error {
	return NewError(ErrStore, op).WithCause(cause)
}

// IsUnauthenticated checks if an error is an authentication error.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated)
}

// IsForbidden checks if an error is an authorization denial.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsValidation checks if an error is due to invalid input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict checks if an error is a uniqueness or reference conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound checks if an error is due to a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsEvaluation checks if an error means no authorization decision could be made.
func IsEvaluation(err error) bool {
	return errors.Is(err, ErrEvaluation)
}

// IsStore checks if an error came from the underlying store.
func IsStore(err error) bool {
	return errors.Is(err, ErrStore)
}
