package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			provider_customer_id TEXT NOT NULL DEFAULT '',
			provider_subscription_id TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'pro',
			status TEXT NOT NULL DEFAULT '',
			minutes_included INTEGER NOT NULL DEFAULT 0,
			minutes_used INTEGER NOT NULL DEFAULT 0,
			current_period_start TIMESTAMPTZ,
			current_period_end TIMESTAMPTZ,
			last_charged_period_end TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions(provider_customer_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			exit_code INTEGER,
			build_minutes DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, external_id, email, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.ExternalID, user.Email, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, external_id, email, password_hash, role, created_at FROM users WHERE email = $1", email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, external_id, email, password_hash, role, created_at FROM users WHERE id = $1", id))
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, external_id, email, password_hash, role, created_at FROM users WHERE external_id = $1", externalID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Subscriptions ---

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, provider_customer_id, provider_subscription_id, plan, status,
		   minutes_included, minutes_used, current_period_start, current_period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.UserID, sub.ProviderCustomerID, sub.ProviderSubscriptionID, sub.Plan, sub.Status,
		sub.MinutesIncluded, sub.MinutesUsed, nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		"SELECT "+subscriptionCols+" FROM subscriptions WHERE user_id = $1", userID))
}

func (s *PostgresStore) GetSubscriptionByCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		"SELECT "+subscriptionCols+" FROM subscriptions WHERE provider_customer_id = $1", customerID))
}

func (s *PostgresStore) SetSubscriptionCustomer(ctx context.Context, userID, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET provider_customer_id = $1, updated_at = $2 WHERE user_id = $3 AND provider_customer_id = ''",
		customerID, time.Now(), userID,
	)
	return err
}

func (s *PostgresStore) ActivateCheckout(ctx context.Context, userID, customerID, subscriptionID, plan string, minutesIncluded int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET provider_customer_id = $1, provider_subscription_id = $2, plan = $3,
		   status = 'trialing', minutes_included = $4, updated_at = $5
		 WHERE user_id = $6`,
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

func (s *PostgresStore) UpdateSubscriptionState(ctx context.Context, customerID, status, plan string, periodStart, periodEnd time.Time) error {
	query := "UPDATE subscriptions SET status = $1, current_period_start = $2, current_period_end = $3, updated_at = $4"
	args := []any{status, periodStart, periodEnd, time.Now()}
	if plan != "" {
		query += fmt.Sprintf(", plan = $%d", len(args)+1)
		args = append(args, plan)
	}
	query += fmt.Sprintf(" WHERE provider_customer_id = $%d", len(args)+1)
	args = append(args, customerID)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *PostgresStore) CancelSubscription(ctx context.Context, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = 'canceled', provider_subscription_id = '', updated_at = $1 WHERE provider_customer_id = $2",
		time.Now(), customerID,
	)
	return err
}

func (s *PostgresStore) ResetUsage(ctx context.Context, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET minutes_used = 0, updated_at = $1 WHERE provider_customer_id = $2",
		time.Now(), customerID,
	)
	return err
}

func (s *PostgresStore) AddUsageMinutes(ctx context.Context, userID string, minutes int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET minutes_used = minutes_used + $1, updated_at = $2 WHERE user_id = $3",
		minutes, time.Now(), userID,
	)
	return err
}

func (s *PostgresStore) MarkOveragePeriodCharged(ctx context.Context, userID string, periodEnd time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_charged_period_end = $1, updated_at = $2
		 WHERE user_id = $3 AND (last_charged_period_end IS NULL OR last_charged_period_end < $4)`,
		periodEnd, time.Now(), userID, periodEnd,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Webhook events ---

func (s *PostgresStore) RecordWebhookEvent(ctx context.Context, eventID, kind string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO webhook_events (id, kind, created_at) VALUES ($1, $2, $3) ON CONFLICT(id) DO NOTHING",
		eventID, kind, time.Now(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, source_type, source_url, command, script, status, worker_id, created_at, build_minutes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.UserID, job.SourceType, job.SourceURL, job.Command, job.Script, job.Status, job.WorkerID, job.CreatedAt, job.BuildMinutes,
	)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobCols+" FROM jobs WHERE id = $1", id)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID, status string, limit int) ([]Job, error) {
	query := "SELECT " + jobCols + " FROM jobs WHERE TRUE"
	var args []any
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

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

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE jobs SET status = $1 WHERE id = $2", status, id)
	return err
}

func (s *PostgresStore) ClaimNextJob(ctx context.Context, workerID string) (*Job, error) {
	// FOR UPDATE SKIP LOCKED keeps concurrent workers from claiming the same job.
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'running', worker_id = $1, started_at = $2
		 WHERE id = (SELECT id FROM jobs WHERE status = 'pending' ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobCols,
		workerID, time.Now(),
	)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id, status string, exitCode int, buildMinutes float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = $1, completed_at = $2, exit_code = $3, build_minutes = $4 WHERE id = $5",
		status, time.Now(), exitCode, buildMinutes, id,
	)
	return err
}

func (s *PostgresStore) PurgeOldJobs(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- API keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, user_id, name, key_hash, created_at) VALUES ($1, $2, $3, $4, $5)",
		key.ID, key.UserID, key.Name, key.KeyHash, key.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, key_hash, created_at, last_used_at FROM api_keys WHERE user_id = $1 ORDER BY created_at",
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

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, key_hash, created_at, last_used_at FROM api_keys WHERE key_hash = $1", hash,
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

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM api_keys WHERE user_id = $1 AND id = $2", userID, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = $1 WHERE id = $2", time.Now(), id,
	)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, job_id, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		event.ID, event.Action, event.UserID, event.JobID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, job_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
