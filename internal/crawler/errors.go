package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors. Typed errors below match them via errors.Is.
var (
	ErrTransient         = errors.New("transient error")
	ErrPermanent         = errors.New("permanent error")
	ErrRateLimited       = errors.New("rate limited")
	ErrStorage           = errors.New("storage error")
	ErrConfiguration     = errors.New("configuration error")
	ErrUnknownSource     = fmt.Errorf("%w: unknown source", ErrConfiguration)
	ErrMissingCredential = fmt.Errorf("%w: missing credential", ErrConfiguration)
	ErrInvalidItem       = fmt.Errorf("%w: invalid queue item", ErrConfiguration)
	ErrNotFound          = errors.New("queue item not found")
	ErrLockLost          = errors.New("queue item lock not held by worker")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransientError wraps an upstream failure that is expected to clear.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is matches ErrTransient.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// PermanentError wraps an upstream failure that retrying cannot fix.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Is matches ErrPermanent.
func (e *PermanentError) Is(target error) bool { return target == ErrPermanent }

// RateLimitedError reports that a local limiter token was not available in time.
type RateLimitedError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: source %s, retry after %s", e.Source, e.RetryAfter)
}

// Is matches ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// StorageError wraps a queue or series store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ErrorClass is a coarse label for logs, metrics, and attempt records.
type ErrorClass string

// Error classes.
const (
	ClassNone        ErrorClass = ""
	ClassTransient   ErrorClass = "transient"
	ClassPermanent   ErrorClass = "permanent"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassStorage     ErrorClass = "storage"
	ClassCanceled    ErrorClass = "canceled"
)

// ClassOf labels err. Unclassified errors count as transient.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrConfiguration):
		return ClassPermanent
	case errors.Is(err, ErrStorage):
		return ClassStorage
	default:
		return ClassTransient
	}
}

// Classify converts an adapter or limiter error into the Failure recorded by
// QueueStore.Fail. minDefer bounds how soon a rate-limited item comes back.
func Classify(err error, minDefer time.Duration) Failure {
	f := Failure{Message: TruncateMessage(err.Error())}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		f.Defer = max(rl.RetryAfter, minDefer)
		return f
	}
	switch ClassOf(err) {
	case ClassPermanent:
		f.Permanent = true
	case ClassTransient:
		var te *TransientError
		if errors.As(err, &te) {
			f.MinDelay = te.RetryAfter
		}
	}
	return f
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
