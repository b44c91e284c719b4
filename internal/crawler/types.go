package crawler

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status represents the lifecycle state of a queue item.
type Status string

// Queue item statuses persisted in crawl_queue.status.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// ClaimableStatuses is the default visibility set used by Claim.
var ClaimableStatuses = []Status{StatusPending, StatusRetrying}

// ParseStatus converts user input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidItem, raw)
}

// Kind selects which adapter capability a queue item runs.
type Kind string

// Queue item kinds.
const (
	KindDiscovery Kind = "discovery"
	KindFetch     Kind = "fetch"
)

// CatalogSeriesID is the series_id used by discovery items, which cover a
// whole source rather than one series.
const CatalogSeriesID = "*"

// Named priority levels. Any value in [PriorityLow, PriorityCritical] is valid.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 8
	PriorityCritical = 10
)

// Field limits enforced on enqueue.
const (
	MaxSourceLength       = 50
	MaxSeriesIDLength     = 255
	MaxRetriesCeiling     = 10
	MaxErrorMessageLength = 2000
	DefaultMaxRetries     = 3
)

// QueueItem is the unit of work stored in crawl_queue.
type QueueItem struct {
	ID               string     `json:"id"`
	Kind             Kind       `json:"kind"`
	Source           string     `json:"source"`
	SeriesID         string     `json:"seriesId"`
	Priority         int        `json:"priority"`
	Status           Status     `json:"status"`
	RetryCount       int        `json:"retryCount"`
	MaxRetries       int        `json:"maxRetries"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ScheduledFor     *time.Time `json:"scheduledFor,omitempty"`
	LockedBy         *string    `json:"lockedBy,omitempty"`
	LockedAt         *time.Time `json:"lockedAt,omitempty"`
	ProcessingMillis *int64     `json:"processingMillis,omitempty"`
}

// Eligible reports whether the item can be claimed at now.
func (q QueueItem) Eligible(now time.Time, visible []Status) bool {
	if q.LockedBy != nil {
		return false
	}
	if q.ScheduledFor != nil && q.ScheduledFor.After(now) {
		return false
	}
	for _, s := range visible {
		if q.Status == s {
			return true
		}
	}
	return false
}

// EnqueueRequest describes a new unit of work.
type EnqueueRequest struct {
	Kind       Kind
	Source     string
	SeriesID   string
	Priority   int
	MaxRetries *int
	NotBefore  *time.Time
}

// Normalize fills defaults and validates field limits.
func (r EnqueueRequest) Normalize() (EnqueueRequest, error) {
	r.Source = strings.TrimSpace(r.Source)
	r.SeriesID = strings.TrimSpace(r.SeriesID)
	if r.Kind == "" {
		r.Kind = KindFetch
	}
	if r.Kind == KindDiscovery && r.SeriesID == "" {
		r.SeriesID = CatalogSeriesID
	}
	if r.Priority == 0 {
		r.Priority = PriorityNormal
	}
	if r.MaxRetries == nil {
		n := DefaultMaxRetries
		r.MaxRetries = &n
	}
	switch {
	case r.Kind != KindDiscovery && r.Kind != KindFetch:
		return r, fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, r.Kind)
	case r.Source == "" || utf8.RuneCountInString(r.Source) > MaxSourceLength:
		return r, fmt.Errorf("%w: source must be 1..%d characters", ErrInvalidItem, MaxSourceLength)
	case r.SeriesID == "" || utf8.RuneCountInString(r.SeriesID) > MaxSeriesIDLength:
		return r, fmt.Errorf("%w: series_id must be 1..%d characters", ErrInvalidItem, MaxSeriesIDLength)
	case r.Priority < PriorityLow || r.Priority > PriorityCritical:
		return r, fmt.Errorf("%w: priority must be %d..%d", ErrInvalidItem, PriorityLow, PriorityCritical)
	case *r.MaxRetries < 0 || *r.MaxRetries > MaxRetriesCeiling:
		return r, fmt.Errorf("%w: max_retries must be 0..%d", ErrInvalidItem, MaxRetriesCeiling)
	}
	return r, nil
}

// Failure is the outcome reported to QueueStore.Fail.
type Failure struct {
	// Message is stored as error_message, truncated to MaxErrorMessageLength.
	Message string
	// Permanent skips the retry budget and fails the item immediately.
	Permanent bool
	// Defer postpones the item without consuming a retry (local rate limiting).
	Defer time.Duration
	// MinDelay raises the computed backoff, e.g. to honor an upstream Retry-After.
	MinDelay time.Duration
}

// TruncateMessage clips msg to MaxErrorMessageLength runes.
func TruncateMessage(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorMessageLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorMessageLength])
}

// ListFilter narrows QueueStore.List.
type ListFilter struct {
	Status Status
	Source string
	Limit  int
	Offset int
}

// QueueStatistics aggregates queue depth and throughput.
type QueueStatistics struct {
	TotalItems            int64         `json:"totalItems"`
	PendingItems          int64         `json:"pendingItems"`
	ProcessingItems       int64         `json:"processingItems"`
	CompletedItems        int64         `json:"completedItems"`
	FailedItems           int64         `json:"failedItems"`
	RetryingItems         int64         `json:"retryingItems"`
	CancelledItems        int64         `json:"cancelledItems"`
	OldestPending         *time.Time    `json:"oldestPending,omitempty"`
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
	LastCompletedAt       *time.Time    `json:"-"`
}

// CrawlerStatus summarizes the running process for the status surface.
type CrawlerStatus struct {
	IsRunning          bool       `json:"isRunning"`
	ActiveWorkers      int        `json:"activeWorkers"`
	LastCrawl          *time.Time `json:"lastCrawl,omitempty"`
	NextScheduledCrawl *time.Time `json:"nextScheduledCrawl,omitempty"`
}

// Source is the immutable configuration of one upstream provider.
type Source struct {
	Name              string `json:"name"`
	BaseURL           string `json:"baseUrl"`
	RequestsPerMinute int    `json:"requestsPerMinute"`
	RequiresKey       bool   `json:"requiresKey"`
	APIKey            string `json:"-"`
	Schedule          string `json:"schedule,omitempty"`
	Priority          int    `json:"priority"`
	Enabled           bool   `json:"enabled"`
}

// Unlimited reports whether the source has no published rate limit.
func (s Source) Unlimited() bool {
	return s.RequestsPerMinute <= 0
}

// DiscoveredSeries is series metadata found by a discovery job.
type DiscoveredSeries struct {
	Source      string    `json:"source"`
	ExternalID  string    `json:"externalId"`
	Title       string    `json:"title"`
	Frequency   string    `json:"frequency,omitempty"`
	Units       string    `json:"units,omitempty"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Observation is one data point of a series.
type Observation struct {
	Date       time.Time `json:"date"`
	Value      *float64  `json:"value"`
	IsRevision bool      `json:"isRevision"`
}

// UpsertResult reports how an observation batch changed storage.
type UpsertResult struct {
	Inserted  int `json:"inserted"`
	Revisions int `json:"revisions"`
	Unchanged int `json:"unchanged"`
}

// Changed reports whether any row was written.
func (u UpsertResult) Changed() bool {
	return u.Inserted+u.Revisions > 0
}
