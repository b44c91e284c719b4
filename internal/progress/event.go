package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
)

// Stage marks where in an attempt the event was emitted.
type Stage string

// Attempt stages.
const (
	StageAttemptStart Stage = "ATTEMPT_START"
	StageAttemptDone  Stage = "ATTEMPT_DONE"
	StageAttemptError Stage = "ATTEMPT_ERROR"
)

// Outcome is what an attempt did to its queue item.
type Outcome string

// Attempt outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeFailed    Outcome = "failed"
	// OutcomeLockLost means another worker or the reclaimer took the item
	// before the result was written.
	OutcomeLockLost Outcome = "lock_lost"
	// OutcomeAbandoned means the worker stopped (shutdown) and left the item
	// for stale-lock reclamation.
	OutcomeAbandoned Outcome = "abandoned"
)

// Event describes one milestone of a queue item attempt.
type Event struct {
	// AttemptID identifies the attempt across its start and finish events.
	AttemptID string
	ItemID    string
	WorkerID  string
	Source    string
	SeriesID  string
	Kind      crawler.Kind
	Stage     Stage
	// Attempt is retry_count + 1 when the item was claimed.
	Attempt int
	// TS is when the event was emitted, in UTC.
	TS time.Time
	// Dur is the attempt wall time; zero for start events.
	Dur        time.Duration
	Outcome    Outcome
	ErrorClass crawler.ErrorClass
	// Note carries the error text of failed attempts.
	Note      string
	Inserted  int
	Revisions int
}

// Validate rejects events the sinks cannot record.
func (e Event) Validate() error {
	if e.AttemptID == "" {
		return errors.New("attempt id is required")
	}
	if e.ItemID == "" {
		return errors.New("item id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageAttemptStart:
	case StageAttemptDone, StageAttemptError:
		if e.Outcome == "" {
			return fmt.Errorf("%s requires an outcome", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Finished reports whether the event closes an attempt.
func (e Event) Finished() bool {
	return e.Stage == StageAttemptDone || e.Stage == StageAttemptError
}

// StartedAt derives the attempt start time of a finish event.
func (e Event) StartedAt() time.Time {
	return e.TS.Add(-e.Dur)
}
