package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			provider_customer_id TEXT NOT NULL DEFAULT '',
			provider_subscription_id TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'pro',
			status TEXT NOT NULL DEFAULT '',
			minutes_included INTEGER NOT NULL DEFAULT 0,
			minutes_used INTEGER NOT NULL DEFAULT 0,
			current_period_start DATETIME,
			current_period_end DATETIME,
			last_charged_period_end DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions(provider_customer_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source_type TEXT NOT NULL DEFAULT 'git',
			source_url TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			script TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			worker_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			exit_code INTEGER,
			build_minutes REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT UNIQUE NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, external_id, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.ExternalID, user.Email, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, external_id, email, password_hash, role, created_at FROM users WHERE email = ?", email))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, external_id, email, password_hash, role, created_at FROM users WHERE id = ?", id))
}

func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, external_id, email, password_hash, role, created_at FROM users WHERE external_id = ?", externalID))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Subscriptions ---

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, provider_customer_id, provider_subscription_id, plan, status,
		   minutes_included, minutes_used, current_period_start, current_period_end, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.ProviderCustomerID, sub.ProviderSubscriptionID, sub.Plan, sub.Status,
		sub.MinutesIncluded, sub.MinutesUsed, nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.UpdatedAt,
	)
	return err
}

const subscriptionCols = `user_id, provider_customer_id, provider_subscription_id, plan, status,
	minutes_included, minutes_used, current_period_start, current_period_end, last_charged_period_end, updated_at`

func (s *SQLiteStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		"SELECT "+subscriptionCols+" FROM subscriptions WHERE user_id = ?", userID))
}

func (s *SQLiteStore) GetSubscriptionByCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		"SELECT "+subscriptionCols+" FROM subscriptions WHERE provider_customer_id = ?", customerID))
}

func scanSubscription(row *sql.Row) (*Subscription, error) {
	var sub Subscription
	var periodStart, periodEnd, lastCharged sql.NullTime
	err := row.Scan(&sub.UserID, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID, &sub.Plan, &sub.Status,
		&sub.MinutesIncluded, &sub.MinutesUsed, &periodStart, &periodEnd, &lastCharged, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if periodStart.Valid {
		sub.CurrentPeriodStart = periodStart.Time
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = periodEnd.Time
	}
	if lastCharged.Valid {
		t := lastCharged.Time
		sub.LastChargedPeriodEnd = &t
	}
	return &sub, nil
}

func (s *SQLiteStore) SetSubscriptionCustomer(ctx context.Context, userID, customerID string) error {
	// Set-once: an already-assigned customer ID is never overwritten.
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET provider_customer_id = ?, updated_at = ? WHERE user_id = ? AND provider_customer_id = ''",
		customerID, time.Now(), userID,
	)
	return err
}

func (s *SQLiteStore) ActivateCheckout(ctx context.Context, userID, customerID, subscriptionID, plan string, minutesIncluded int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET provider_customer_id = ?, provider_subscription_id = ?, plan = ?,
		   status = 'trialing', minutes_included = ?, updated_at = ?
		 WHERE user_id = ?`,
		customerID, subscriptionID, plan, minutesIncluded, time.Now(), userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("no subscription record for user %s", userID)
	}
	return err
}

func (s *SQLiteStore) UpdateSubscriptionState(ctx context.Context, customerID, status, plan string, periodStart, periodEnd time.Time) error {
	query := "UPDATE subscriptions SET status = ?, current_period_start = ?, current_period_end = ?, updated_at = ?"
	args := []any{status, periodStart, periodEnd, time.Now()}
	if plan != "" {
		query += ", plan = ?"
		args = append(args, plan)
	}
	query += " WHERE provider_customer_id = ?"
	args = append(args, customerID)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) CancelSubscription(ctx context.Context, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = 'canceled', provider_subscription_id = '', updated_at = ? WHERE provider_customer_id = ?",
		time.Now(), customerID,
	)
	return err
}

func (s *SQLiteStore) ResetUsage(ctx context.Context, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET minutes_used = 0, updated_at = ? WHERE provider_customer_id = ?",
		time.Now(), customerID,
	)
	return err
}

func (s *SQLiteStore) AddUsageMinutes(ctx context.Context, userID string, minutes int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET minutes_used = minutes_used + ?, updated_at = ? WHERE user_id = ?",
		minutes, time.Now(), userID,
	)
	return err
}

func (s *SQLiteStore) MarkOveragePeriodCharged(ctx context.Context, userID string, periodEnd time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_charged_period_end = ?, updated_at = ?
		 WHERE user_id = ? AND (last_charged_period_end IS NULL OR last_charged_period_end < ?)`,
		periodEnd, time.Now(), userID, periodEnd,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Webhook events ---

func (s *SQLiteStore) RecordWebhookEvent(ctx context.Context, eventID, kind string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO webhook_events (id, kind, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING",
		eventID, kind, time.Now(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Jobs ---

const jobCols = `id, user_id, source_type, source_url, command, script, status, worker_id,
	created_at, started_at, completed_at, exit_code, build_minutes`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, source_type, source_url, command, script, status, worker_id, created_at, build_minutes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.SourceType, job.SourceURL, job.Command, job.Script, job.Status, job.WorkerID, job.CreatedAt, job.BuildMinutes,
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobCols+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var startedAt, completedAt sql.NullTime
	var exitCode sql.NullInt64
	err := scan(&j.ID, &j.UserID, &j.SourceType, &j.SourceURL, &j.Command, &j.Script, &j.Status, &j.WorkerID,
		&j.CreatedAt, &startedAt, &completedAt, &exitCode, &j.BuildMinutes)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		j.ExitCode = &c
	}
	return &j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, userID, status string, limit int) ([]Job, error) {
	query := "SELECT " + jobCols + " FROM jobs WHERE 1=1"
	var args []any
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE jobs SET status = ? WHERE id = ?", status, id)
	return err
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, workerID string) (*Job, error) {
	// Single-statement claim so concurrent workers never grab the same job.
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'running', worker_id = ?, started_at = ?
		 WHERE id = (SELECT id FROM jobs WHERE status = 'pending' ORDER BY created_at LIMIT 1)
		 RETURNING `+jobCols,
		workerID, time.Now(),
	)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id, status string, exitCode int, buildMinutes float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, completed_at = ?, exit_code = ?, build_minutes = ? WHERE id = ?",
		status, time.Now(), exitCode, buildMinutes, id,
	)
	return err
}

func (s *SQLiteStore) PurgeOldJobs(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- API keys ---

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, user_id, name, key_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		key.ID, key.UserID, key.Name, key.KeyHash, key.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, key_hash, created_at, last_used_at FROM api_keys WHERE user_id = ? ORDER BY created_at",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			k.LastUsedAt = &t
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, key_hash, created_at, last_used_at FROM api_keys WHERE key_hash = ?", hash,
	).Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM api_keys WHERE user_id = ? AND id = ?", userID, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE id = ?", time.Now(), id,
	)
	return err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, job_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		event.ID, event.Action, event.UserID, event.JobID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, job_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.JobID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = []byte(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// nullTime maps the zero time to NULL so unset period boundaries stay NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
