package engine

import "fmt"

// ConflictError is returned when a write's base version no longer matches the
// decision's current version. Retryable: re-read, re-merge, resubmit.
type ConflictError struct {
	DecisionID     string
	BaseVersion    int
	CurrentVersion int
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("decision %s is at version %d, not %d", e.DecisionID, e.CurrentVersion, e.BaseVersion)
}

// InvalidTransitionError is returned for an illegal status change. Not
// retryable without a different target status.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Link validation failure reasons. These travel as data in LinkValidation so
// the unauthenticated portal can branch on them; they only become errors on
// the authenticated lifecycle operations (extend on a revoked link, etc).
const (
	ReasonNotFound      = "not_found"
	ReasonExpired       = "expired"
	ReasonRevoked       = "revoked"
	ReasonUsageExceeded = "usage_exceeded"
	ReasonOTPRequired   = "otp_required"
)

// LinkInvalidError wraps a failure reason for lifecycle operations that
// demand an active link.
type LinkInvalidError struct {
	Reason string
}

func (e LinkInvalidError) Error() string {
	return "link invalid: " + e.Reason
}

// OTPError is returned when step-up verification fails. Retryable with a
// correct code.
type OTPError struct {
	Reason string // "otp_required" or "otp_invalid"
}

func (e OTPError) Error() string {
	return e.Reason
}
