package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeQuotaExceeded       = "QUOTA_EXCEEDED"
	ErrCodeRunInProgress       = "RUN_IN_PROGRESS"
	ErrCodeNoActiveRun         = "NO_ACTIVE_RUN"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeStaleConfirmation   = "STALE_CONFIRMATION"
	ErrCodeExtractionFailed    = "EXTRACTION_FAILED"
	ErrCodeStackSelection      = "STACK_SELECTION_FAILED"
	ErrCodeValidationExhausted = "VALIDATION_EXHAUSTED"
	ErrCodeConfirmTimeout      = "CONFIRMATION_TIMEOUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// Sentinel errors for caller misuse and lifecycle races.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrNoActiveRun        = errors.New("no active run for session")
	ErrRunInProgress      = errors.New("a run is already in progress for this session")
	ErrStaleConfirmation  = errors.New("confirmation does not match the active run")
	ErrPreviewUnavailable = errors.New("preview service unavailable")
)

// QuotaExceededError is returned when a session's tier has exhausted its
// daily request allowance. Never retried automatically.
type QuotaExceededError struct {
	Tier    Tier
	Limit   int
	Used    int
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded for tier %s (%d/%d), resets at %s",
		e.Tier, e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// ExtractionError means requirement extraction failed or produced no
// features. Terminal for the run; the session returns to an idle-equivalent
// state.
type ExtractionError struct {
	Reason string
	Cause  error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("requirement extraction failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("requirement extraction failed: %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// StackSelectionError means the stack selection service failed. Terminal for
// the run.
type StackSelectionError struct {
	Cause error
}

func (e *StackSelectionError) Error() string {
	return fmt.Sprintf("stack selection failed: %v", e.Cause)
}

func (e *StackSelectionError) Unwrap() error { return e.Cause }

// ValidationExhaustedError is returned when the repair loop bound is
// exceeded. Carries the last validation report so the caller can surface the
// remaining diagnostics.
type ValidationExhaustedError struct {
	Attempts   int
	LastReport ValidationReport
}

func (e *ValidationExhaustedError) Error() string {
	return fmt.Sprintf("validation still failing after %d repair attempt(s): %d error(s) remain",
		e.Attempts, len(e.LastReport.Errors))
}

// ConfirmationTimeoutError means the confirmation window elapsed with no
// user decision.
type ConfirmationTimeoutError struct {
	Window time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("no confirmation received within %s", e.Window)
}

// InvalidTransitionError reports an illegal pipeline state transition.
type InvalidTransitionError struct {
	From RunStatus
	To   RunStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}
