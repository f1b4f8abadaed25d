// Package store defines the persistence interface for the hub and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	GetSubscriptionByCustomer(ctx context.Context, customerID string) (*Subscription, error)
	SetSubscriptionCustomer(ctx context.Context, userID, customerID string) error
	ActivateCheckout(ctx context.Context, userID, customerID, subscriptionID, plan string, minutesIncluded int) error
	UpdateSubscriptionState(ctx context.Context, customerID, status, plan string, periodStart, periodEnd time.Time) error
	CancelSubscription(ctx context.Context, customerID string) error
	ResetUsage(ctx context.Context, customerID string) error
	AddUsageMinutes(ctx context.Context, userID string, minutes int) error
	// MarkOveragePeriodCharged records that overage has been billed for the
	// period ending at periodEnd. It returns false when that period (or a
	// later one) was already charged, so duplicate deliveries are skipped.
	MarkOveragePeriodCharged(ctx context.Context, userID string, periodEnd time.Time) (bool, error)

	// Webhook events (delivery de-duplication)
	// RecordWebhookEvent returns false when the event ID was seen before.
	RecordWebhookEvent(ctx context.Context, eventID, kind string) (bool, error)

	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, userID, status string, limit int) ([]Job, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	ClaimNextJob(ctx context.Context, workerID string) (*Job, error)
	CompleteJob(ctx context.Context, id, status string, exitCode int, buildMinutes float64) error
	PurgeOldJobs(ctx context.Context, before time.Time) (int64, error)

	// API keys
	CreateAPIKey(ctx context.Context, key *APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	DeleteAPIKey(ctx context.Context, userID, id string) (bool, error)
	TouchAPIKey(ctx context.Context, id string) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a dashboard user.
type User struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id,omitempty"` // hosted-auth user id, or empty
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Subscription is the billing record, one row per user. It is created when the
// user first reaches billing onboarding and never deleted; cancellation is a
// status transition.
type Subscription struct {
	UserID                 string     `json:"user_id"`
	ProviderCustomerID     string     `json:"provider_customer_id,omitempty"`     // set on first checkout, then immutable
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"` // cleared on cancellation
	Plan                   string     `json:"plan"`   // "pro" or "team"
	Status                 string     `json:"status"` // "trialing", "active", "past_due", "canceled"
	MinutesIncluded        int        `json:"minutes_included"`
	MinutesUsed            int        `json:"minutes_used"`
	CurrentPeriodStart     time.Time  `json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `json:"current_period_end"`
	LastChargedPeriodEnd   *time.Time `json:"last_charged_period_end,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Job represents a build/test job submitted by a user.
type Job struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	SourceType   string     `json:"source_type"` // "git" or "upload"
	SourceURL    string     `json:"source_url,omitempty"`
	Command      string     `json:"command,omitempty"` // mutually exclusive with Script
	Script       string     `json:"script,omitempty"`
	Status       string     `json:"status"` // "pending", "running", "completed", "failed", "cancelled"
	WorkerID     string     `json:"worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	BuildMinutes float64    `json:"build_minutes,omitempty"`
}

// Job status values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// APIKey is a user-created bearer credential. Only the hash is stored; the raw
// key is shown once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
