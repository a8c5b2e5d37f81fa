package entitle

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound        = errors.New("entitle: not found")
	ErrAlreadyExists   = errors.New("entitle: already exists")
	ErrInvalidInput    = errors.New("entitle: invalid input")
	ErrUnauthenticated = errors.New("entitle: missing caller identity")

	// Plan catalog errors
	ErrPlanNotFound  = errors.New("entitle: plan not found")
	ErrPlanArchived  = errors.New("entitle: plan is archived")
	ErrNoFreePlan    = errors.New("entitle: no free plan in catalog")
	ErrInvalidLimits = errors.New("entitle: invalid plan limits")

	// Grant errors
	ErrGrantNotFound = errors.New("entitle: grant not found")
	// ErrCatalogInconsistency signals a grant referencing a plan missing from
	// the catalog. This is a data-integrity bug and should never occur in
	// steady state.
	ErrCatalogInconsistency = errors.New("entitle: grant references unknown plan")

	// Resolution and consumption errors
	//
	// ErrNoUsableEntitlement is a normal outcome, not an exception: the user
	// has no active, unexpired grant with a positive balance in the requested
	// category. Surfaced as a hard gate with a call to upgrade.
	ErrNoUsableEntitlement = errors.New("entitle: no grant with usable balance")
	// ErrAlreadyExhausted means a commit lost a decrement race: the balance
	// was already zero at commit time. The caller's completed action is not
	// undone and must not be silently charged to a different grant.
	ErrAlreadyExhausted = errors.New("entitle: balance already exhausted")
	// ErrGrantNotSelectable means the grant expired or was deactivated between
	// resolution and commit.
	ErrGrantNotSelectable = errors.New("entitle: grant no longer selectable")

	// Store errors
	ErrStoreClosed       = errors.New("entitle: store is closed")
	ErrTransactionFailed = errors.New("entitle: transaction failed")
	ErrMigrationFailed   = errors.New("entitle: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("entitle: validation failed for %s: %s", e.Field, e.Message)
}

// DeniedError wraps ErrNoUsableEntitlement with the category that was denied
// so callers can tell the user exactly which credit ran out.
type DeniedError struct {
	UserID   string
	Category string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("entitle: no usable %s balance for user %s", e.Category, e.UserID)
}

// Unwrap makes DeniedError match ErrNoUsableEntitlement via errors.Is.
func (e DeniedError) Unwrap() error { return ErrNoUsableEntitlement }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrGrantNotFound)
}

// IsDenied returns true if the error represents an entitlement denial, a
// normal gate outcome that maps to HTTP 403 and is never retried
// automatically.
func IsDenied(err error) bool {
	return errors.Is(err, ErrNoUsableEntitlement) ||
		errors.Is(err, ErrAlreadyExhausted) ||
		errors.Is(err, ErrGrantNotSelectable)
}

// IsRetryable returns true if the error is temporary and the operation can be
// retried. Denials are deliberately excluded: retrying a lost decrement race
// against another grant would mask a double-spend.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, ErrStoreClosed)
}
