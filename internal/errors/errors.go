// Package errors defines the structured error taxonomy for entitlement
// enforcement. Every denial carries enough detail (tier, capability,
// limit) to render a precise user-facing message; none of these errors
// may be converted into a default-allow.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types. Callers match these with errors.Is.
var (
	// ErrLicenseInvalid means the verification service definitively
	// rejected the credential. Not retried and never covered by the
	// offline grace period.
	ErrLicenseInvalid = errors.New("license invalid")

	// ErrLicenseUnavailable means the verification service could not be
	// reached and no cached resolution was usable.
	ErrLicenseUnavailable = errors.New("license verification unavailable")

	// ErrAccessDenied means the tier does not grant the capability.
	// Retrying cannot change entitlement.
	ErrAccessDenied = errors.New("access denied")

	// ErrQuotaExceeded means the period budget is spent. The caller may
	// retry after the period resets; nothing here auto-retries.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNoProviderAvailable means the candidate set was empty after
	// tier filtering and avoidance. A configuration gap, not transient.
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrRiskTimedOut means a pending escalation expired before a human
	// decided. Requires a fresh request, never an automatic retry.
	ErrRiskTimedOut = errors.New("risk escalation timed out")
)

// Type categorizes a gate error.
type Type string

const (
	TypeLicenseInvalid     Type = "license_invalid"
	TypeLicenseUnavailable Type = "license_unavailable"
	TypeAccessDenied       Type = "access_denied"
	TypeQuotaExceeded      Type = "quota_exceeded"
	TypeNoProvider         Type = "no_provider"
	TypeRiskTimedOut       Type = "risk_timeout"
	TypeInternal           Type = "internal"
)

// GateError is a structured error for enforcement operations.
type GateError struct {
	Type       Type
	Op         string // Operation that failed (e.g., "verify_license", "consume_quota")
	SubjectID  string // Subject the request was made for, if resolved
	Tier       string // Resolved tier, if known
	Capability string // Capability in family/name form, if applicable
	Detail     string // Specific denial detail (resolved level, limit, remaining)
	Err        error  // Underlying error
	Timestamp  time.Time
	Retryable  bool
}

func (e *GateError) Error() string {
	msg := string(e.Type)
	if e.Op != "" {
		msg = fmt.Sprintf("%s failed: %s", e.Op, e.Type)
	}
	if e.Capability != "" {
		msg += fmt.Sprintf(" (capability %s", e.Capability)
		if e.Tier != "" {
			msg += fmt.Sprintf(", tier %s", e.Tier)
		}
		msg += ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is so GateErrors match the base sentinels.
func (e *GateError) Is(target error) bool {
	switch target {
	case ErrLicenseInvalid:
		return e.Type == TypeLicenseInvalid
	case ErrLicenseUnavailable:
		return e.Type == TypeLicenseUnavailable
	case ErrAccessDenied:
		return e.Type == TypeAccessDenied
	case ErrQuotaExceeded:
		return e.Type == TypeQuotaExceeded
	case ErrNoProviderAvailable:
		return e.Type == TypeNoProvider
	case ErrRiskTimedOut:
		return e.Type == TypeRiskTimedOut
	}
	return errors.Is(e.Err, target)
}

// New creates a GateError of the given type.
func New(errType Type, op string, err error) *GateError {
	return &GateError{
		Type:      errType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errType),
	}
}

// WithSubject attaches the resolved subject and tier.
func (e *GateError) WithSubject(subjectID, tier string) *GateError {
	e.SubjectID = subjectID
	e.Tier = tier
	return e
}

// WithCapability attaches the capability being gated.
func (e *GateError) WithCapability(capability string) *GateError {
	e.Capability = capability
	return e
}

// WithDetail attaches a specific denial detail, such as the resolved
// access level or the limit and remaining count.
func (e *GateError) WithDetail(format string, args ...any) *GateError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// isRetryable determines whether an error type is worth retrying.
// Only transient unavailability is; every denial is definitive for the
// current request.
func isRetryable(errType Type) bool {
	switch errType {
	case TypeLicenseUnavailable, TypeInternal:
		return true
	default:
		return false
	}
}

// IsRetryable checks whether an error should be retried.
func IsRetryable(err error) bool {
	var gateErr *GateError
	if errors.As(err, &gateErr) {
		return gateErr.Retryable
	}
	return errors.Is(err, ErrLicenseUnavailable)
}

// TypeOf returns the gate error type, or TypeInternal for anything
// outside the taxonomy.
func TypeOf(err error) Type {
	var gateErr *GateError
	if errors.As(err, &gateErr) {
		return gateErr.Type
	}
	switch {
	case errors.Is(err, ErrLicenseInvalid):
		return TypeLicenseInvalid
	case errors.Is(err, ErrLicenseUnavailable):
		return TypeLicenseUnavailable
	case errors.Is(err, ErrAccessDenied):
		return TypeAccessDenied
	case errors.Is(err, ErrQuotaExceeded):
		return TypeQuotaExceeded
	case errors.Is(err, ErrNoProviderAvailable):
		return TypeNoProvider
	case errors.Is(err, ErrRiskTimedOut):
		return TypeRiskTimedOut
	}
	return TypeInternal
}
