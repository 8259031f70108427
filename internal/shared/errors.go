package shared

import (
	"errors"
	"fmt"
)

// Error kinds shared by every ledger. Packages wrap them with context using
// fmt.Errorf("%w: ...") so callers can branch with errors.Is.
var (
	// ErrForbidden indicates the actor lacks permission for the action or stage.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition indicates no transition is defined for the current state and action.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrMissingRequiredField indicates a required payload field is absent or empty.
	ErrMissingRequiredField = errors.New("missing required field")
	// ErrNotReady indicates an unmet business precondition.
	ErrNotReady = errors.New("not ready")
	// ErrInsufficientStock indicates a removal or reservation exceeds available stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a unique key violation or a concurrent modification.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrPartialSuccess indicates a committed change whose side effect did not complete.
	ErrPartialSuccess = errors.New("partial success")
)

// MissingFieldError names the first required field that was not supplied.
type MissingFieldError struct {
	Field string
}

// MissingField builds a MissingFieldError for field.
func MissingField(field string) error {
	return &MissingFieldError{Field: field}
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingRequiredField.Error(), e.Field)
}

// Unwrap exposes the ErrMissingRequiredField kind.
func (e *MissingFieldError) Unwrap() error {
	return ErrMissingRequiredField
}

// PartialSuccessError reports a state change that was committed while its
// downstream side effect failed. Committed carries the persisted result so the
// caller can reconcile.
type PartialSuccessError struct {
	Committed any
	Err       error
}

func (e *PartialSuccessError) Error() string {
	if e.Err == nil {
		return ErrPartialSuccess.Error()
	}
	return fmt.Sprintf("%s: %v", ErrPartialSuccess.Error(), e.Err)
}

// Unwrap exposes both the ErrPartialSuccess kind and the underlying cause.
func (e *PartialSuccessError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPartialSuccess}
	}
	return []error{ErrPartialSuccess, e.Err}
}
