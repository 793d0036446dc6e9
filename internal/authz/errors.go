package authz

import (
	"errors"
	"fmt"
)

// Sentinel errors for the authorization domain.
var (
	// ErrNotFound indicates that a role, permission, principal, or resource
	// does not exist.
	ErrNotFound = errors.New("authz: not found")
	// ErrValidation indicates a malformed or conflicting request.
	ErrValidation = errors.New("authz: validation failed")
	// ErrCycle indicates a role hierarchy mutation that would create a cycle.
	ErrCycle = errors.New("authz: hierarchy cycle")
	// ErrCacheUnavailable indicates the decision cache could not be reached.
	// Always soft: checks fall back to direct store computation.
	ErrCacheUnavailable = errors.New("authz: cache unavailable")
	// ErrStoreUnavailable indicates the backing store could not be reached.
	// Hard at decision time: no ground truth means no decision.
	ErrStoreUnavailable = errors.New("authz: store unavailable")
)

// ValidationError carries the offending field alongside ErrValidation.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("authz: validation failed: %s", e.Detail)
	}
	return fmt.Sprintf("authz: validation failed: %s: %s", e.Field, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validationf builds a ValidationError for the given field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundf wraps ErrNotFound with entity detail.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// storeErr tags low-level store failures so decision callers can distinguish
// "no ground truth" from a genuine deny.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
