// Package faults defines the error taxonomy shared by adapters and the task
// runtime. Adapters classify failures at their edge; the runtime decides
// retry vs dead-letter from the kind alone.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindUnknown is the zero value; treated as transient (retriable).
	KindUnknown Kind = iota

	// KindValidation marks malformed input. Surfaced to admins, never retried.
	KindValidation

	// KindAuth marks missing or invalid secrets and unauthorized actions.
	KindAuth

	// KindRateLimited marks rate-limit, cooldown, or circuit-open rejections.
	// Retriable after RetryAfter.
	KindRateLimited

	// KindTransient marks 5xx responses, timeouts and connection resets.
	// Retried with backoff up to the task's retry budget.
	KindTransient

	// KindPermanent marks non-429 4xx responses, invalid tokens, and media
	// references that stay broken after re-resolution. Dead-lettered.
	KindPermanent

	// KindConsistency marks stale versions and CAS misses. The carrying
	// workflow exits silently without retrying the same path.
	KindConsistency

	// KindInsufficientCredits marks a failed credit pre-check.
	KindInsufficientCredits

	// KindConflict marks unique-constraint violations meaning "already
	// handled". Treated as success by the runtime.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConsistency:
		return "consistency"
	case KindInsufficientCredits:
		return "insufficient_credits"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and optional retry hint.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Validation marks err as a validation failure.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Auth marks err as an authentication/authorization failure.
func Auth(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Err: fmt.Errorf(format, args...)}
}

// RateLimited builds a rate-limit rejection with a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Err: errors.New("rate limit exceeded")}
}

// Transient marks err as retriable.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as fatal for the carrying task.
func Permanent(err error) *Error {
	return &Error{Kind: KindPermanent, Err: err}
}

// Consistency marks err as a stale-version or CAS failure.
func Consistency(format string, args ...any) *Error {
	return &Error{Kind: KindConsistency, Err: fmt.Errorf(format, args...)}
}

// InsufficientCredits builds a failed pre-check error.
func InsufficientCredits(adminID int64, neededCents, balanceCents int64) *Error {
	return &Error{
		Kind: KindInsufficientCredits,
		Err:  fmt.Errorf("admin %d: need %d cents, balance %d cents", adminID, neededCents, balanceCents),
	}
}

// Conflict marks err as an already-handled duplicate.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// IsRetriable reports whether the task runtime should retry err.
// Unknown errors are retried: misclassification must not lose work.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindUnknown:
		return true
	default:
		return false
	}
}

// IsSilent reports whether the failure must produce no user-visible output
// and no retry (stale versions, duplicates, dropped messages).
func IsSilent(err error) bool {
	switch KindOf(err) {
	case KindConsistency, KindConflict, KindInsufficientCredits:
		return true
	default:
		return false
	}
}
