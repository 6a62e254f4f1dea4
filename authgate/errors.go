package authgate

import (
	"errors"
	"fmt"
)

// Reason classifies why a request was rejected.
type Reason uint8

const (
	// ReasonMalformed means the payload failed validation.
	ReasonMalformed Reason = iota

	// ReasonUnauthorized means the requester is unknown or lacks the
	// permission for the operation.
	ReasonUnauthorized

	// ReasonRevoked means the requester's budget was revoked.
	ReasonRevoked

	// ReasonRateExceeded means the requester's or the global request rate
	// is exhausted.
	ReasonRateExceeded

	// ReasonBudgetExceeded means the amount exceeds the remaining spend
	// allowance.
	ReasonBudgetExceeded
)

// String returns the wire name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonUnauthorized:
		return "unauthorized"
	case ReasonRevoked:
		return "revoked"
	case ReasonRateExceeded:
		return "rate_exceeded"
	case ReasonBudgetExceeded:
		return "budget_exceeded"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// RejectionError is returned for every rejected request. It is terminal for
// that request.
type RejectionError struct {
	Reason Reason

	// Err optionally carries the detail behind the reason.
	Err error
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("request rejected: %v", e.Reason)
	}

	return fmt.Sprintf("request rejected: %v: %v", e.Reason, e.Err)
}

// Unwrap returns the detail error.
func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Is matches any RejectionError with the same reason, so a bare
// &RejectionError{Reason: r} can be used as an errors.Is target.
func (e *RejectionError) Is(target error) bool {
	var other *RejectionError
	if !errors.As(target, &other) {
		return false
	}

	return other.Reason == e.Reason
}

// RejectionReason extracts the rejection reason from err, if any.
func RejectionReason(err error) (Reason, bool) {
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		return 0, false
	}

	return rejection.Reason, true
}

func reject(reason Reason, format string, args ...any) *RejectionError {
	return &RejectionError{
		Reason: reason,
		Err:    fmt.Errorf(format, args...),
	}
}

var (
	// ErrUnknownRequester is returned by budget operations on a requester
	// without a registered budget.
	ErrUnknownRequester = errors.New("unknown requester")

	// ErrInvalidBudget is returned when registering or restoring a budget
	// with inconsistent limits.
	ErrInvalidBudget = errors.New("invalid budget")
)
