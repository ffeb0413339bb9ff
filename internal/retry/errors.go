package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed remote call for retry purposes.
type Kind int

const (
	// KindTransient covers network errors and timeouts.
	KindTransient Kind = iota
	// KindRateLimited means the remote asked us to slow down.
	KindRateLimited
	// KindPermanent covers malformed requests, not-found and similar.
	KindPermanent
	// KindQuotaExhausted means the whole source budget is gone until its reset.
	KindQuotaExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	case KindQuotaExhausted:
		return "quota_exhausted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrExhausted matches any ExhaustedError via errors.Is.
var ErrExhausted = errors.New("retries exhausted")

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
	// RetryAfter is the server-requested wait for rate-limited errors.
	RetryAfter time.Duration
	// Reset is when a quota-exhausted source refills.
	Reset time.Time
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// RateLimited marks err as a rate-limit response; retryAfter may be zero.
func RateLimited(err error, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, Err: err, RetryAfter: retryAfter}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// QuotaExhausted marks err as a source-wide quota exhaustion.
func QuotaExhausted(err error, reset time.Time) error {
	return &Error{Kind: KindQuotaExhausted, Err: err, Reset: reset}
}

// KindOf returns the classification of err. Context cancellation is permanent,
// unclassified errors are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}
	return KindTransient
}

// Retryable is the default retry predicate.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func retryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
