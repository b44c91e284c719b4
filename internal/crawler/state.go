package crawler

import (
	"fmt"
	"time"
)

// transitions is the single authority on which status changes are legal.
// processing -> pending is reserved for stale-lock reclamation.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusRetrying:   {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusRetrying, StatusFailed, StatusPending, StatusCancelled},
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether no further transition can leave s.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s counts against the one-active-item-per-key rule.
func IsActive(s Status) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRetrying:
		return true
	default:
		return false
	}
}

// ActiveStatuses lists the statuses covered by the uniqueness constraint.
var ActiveStatuses = []Status{StatusPending, StatusProcessing, StatusRetrying}

// TerminalStatuses lists the statuses eligible for retention cleanup.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// ResolveFailure decides the status, scheduled_for and retry_count that a
// processing item moves to after a failed attempt.
//
// A deferral (Defer > 0) never consumes a retry. A permanent failure or an
// exhausted budget is final. Otherwise the retry count increments and the item
// waits for the larger of the backoff and MinDelay.
func ResolveFailure(
	retryCount, maxRetries int,
	f Failure,
	now time.Time,
	backoff *BackoffPolicy,
) (Status, *time.Time, int) {
	if f.Defer > 0 && !f.Permanent {
		at := now.Add(f.Defer)
		return StatusRetrying, &at, retryCount
	}
	if f.Permanent || retryCount >= maxRetries {
		return StatusFailed, nil, retryCount
	}
	retries := retryCount + 1
	at := now.Add(max(backoff.Backoff(retries), f.MinDelay))
	return StatusRetrying, &at, retries
}
