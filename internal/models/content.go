package models

import (
	"time"
)

// Content lifecycle states persisted in Postgres.
const (
	StatusDrafted         = "drafted"
	StatusMediaReady      = "media_ready"
	StatusWaitingApproval = "waiting_approval"
	StatusScheduled       = "scheduled"
	StatusPublishing      = "publishing"
	StatusPublished       = "published"
	StatusRetryScheduled  = "retry_scheduled"
	StatusFailed          = "failed"
	StatusRejected        = "rejected"
)

// Post types used by the content-mix policy.
const (
	PostTypeText  = "text"
	PostTypePhoto = "photo"
)

// ContentItem is one unit of potential publication.
//
// Status is mutated only through the transition guard. PlatformPostID is set
// if and only if the item is published; NextRetryAt is set if and only if the
// item is retry_scheduled.
type ContentItem struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	PostType       string     `json:"post_type"`
	Body           string     `json:"body"`
	ImageRef       *string    `json:"image_ref,omitempty"`
	Status         string     `json:"status"`
	ContentHash    string     `json:"content_hash"`
	Fingerprint    uint64     `json:"fingerprint"`
	Approved       bool       `json:"approved"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	SourceTimezone string     `json:"source_timezone,omitempty"`
	Priority       int        `json:"priority"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	PlatformPostID *string    `json:"platform_post_id,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	LastErrorAt    *time.Time `json:"last_error_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ScheduleSlot is an assigned future publish time for one item.
type ScheduleSlot struct {
	ScheduledTime  time.Time `json:"scheduled_time"`
	SourceTimezone string    `json:"source_timezone"`
	PostType       string    `json:"post_type"`
	Priority       int       `json:"priority"`
}

// Publication is the durable record of a successful publish. It backs exact
// duplicate detection (content_hash), near-duplicate detection (fingerprint)
// and the rate limiter's account-age lookup.
type Publication struct {
	ID             string    `json:"id"`
	ContentID      string    `json:"content_id"`
	AccountID      string    `json:"account_id"`
	PlatformPostID string    `json:"platform_post_id"`
	ContentHash    string    `json:"content_hash"`
	Fingerprint    uint64    `json:"fingerprint"`
	PublishedAt    time.Time `json:"published_at"`
	Reach          int       `json:"reach"`
	Likes          int       `json:"likes"`
	Comments       int       `json:"comments"`
	Shares         int       `json:"shares"`
}

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// BreakerState is the persisted per-dependency circuit breaker row.
type BreakerState struct {
	Dependency           string     `json:"dependency"`
	State                string     `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// RunLock is the heartbeat row used when no advisory file lock is available.
type RunLock struct {
	HolderID    string    `json:"holder_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}
