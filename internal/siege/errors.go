package siege

import (
	"errors"
	"fmt"
)

// Error classes. Callers match them with errors.Is.
var (
	ErrValidationFailed   = errors.New("siege validation failed")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInconsistentState  = errors.New("inconsistent siege state")
)

// Concrete errors.
var (
	ErrSiegeNotFound       = errors.New("siege not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrMarkerRateLimited   = errors.New("attack marker placed too often")
	ErrRegionMissing       = fmt.Errorf("%w: territory has no protected region", ErrBackendUnavailable)
	ErrSiegeTerminal       = fmt.Errorf("%w: siege already ended", ErrInconsistentState)
	ErrInvalidTransition   = fmt.Errorf("%w: invalid state transition", ErrInconsistentState)
	ErrSnapshotOutstanding = fmt.Errorf("%w: protection snapshot already captured", ErrInconsistentState)
	ErrNoSnapshot          = fmt.Errorf("%w: no protection snapshot", ErrInconsistentState)
)

// ValidationError carries the user-facing reason a siege could not start.
type ValidationError struct {
	Reason Reason
}

func (e *ValidationError) Error() string {
	return "siege validation failed: " + e.Reason.String()
}

// Is reports ErrValidationFailed as a match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// ReasonOf extracts the validation reason from err, or ReasonNone.
func ReasonOf(err error) Reason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ReasonNone
}

func backendErr(op string, err error) error {
	if errors.Is(err, ErrBackendUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}
