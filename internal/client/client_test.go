package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/internal/api"
	"github.com/conveyor-ci/conveyor/internal/auth"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/store"
	"github.com/conveyor-ci/conveyor/internal/stream"
)

// startTestHub runs a real hub API over httptest and returns a client
// authenticated with a fresh API key, plus the relay for publishing logs.
func startTestHub(t *testing.T) (*Client, *stream.Relay, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-at-least-32-chars-long",
			JWTExpiry:           config.Duration{Duration: 1 * time.Hour},
			WorkerTokenSecret:   "worker-secret-at-least-32-chars-ok",
			WorkerTokenLifetime: config.Duration{Duration: 1 * time.Hour},
		},
		Jobs: config.JobsConfig{
			ListLimit:    20,
			MaxListLimit: 100,
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	authSvc := auth.NewService(s, cfg.Auth)
	relay := stream.New(slog.Default(), cfg.Server.AllowedOrigins, cfg.Jobs.LogBufferFrames)
	srv := api.NewServer(cfg, s, authSvc, authSvc, nil, relay, slog.Default())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	user, err := authSvc.Register(ctx, "cli@example.com", "clipassword123", "user")
	if err != nil {
		t.Fatal(err)
	}
	_, rawKey, err := auth.GenerateAPIKey(ctx, s, user.ID, "cli")
	if err != nil {
		t.Fatal(err)
	}

	return New(ts.URL, rawKey), relay, s
}

func TestJobRoundTrip(t *testing.T) {
	c, _, _ := startTestHub(t)
	ctx := context.Background()

	job, err := c.CreateJob(ctx, CreateJobRequest{
		SourceType: "git",
		SourceURL:  "https://example.com/repo.git",
		Command:    "make build",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobPending {
		t.Errorf("expected pending job, got %q", job.Status)
	}

	got, err := c.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != job.ID || got.Command != "make build" {
		t.Errorf("unexpected job: %+v", got)
	}

	jobs, err := c.ListJobs(ctx, "pending", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs))
	}

	cancelled, err := c.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != store.JobCancelled {
		t.Errorf("expected cancelled, got %q", cancelled.Status)
	}

	retried, err := c.RetryJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.ID == job.ID || retried.Status != store.JobPending {
		t.Errorf("unexpected retried job: %+v", retried)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	c, _, _ := startTestHub(t)

	_, err := c.CreateJob(context.Background(), CreateJobRequest{SourceType: "ftp"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 400 || apiErr.Message == "" {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
}

func TestFollowLogs(t *testing.T) {
	c, relay, _ := startTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := c.CreateJob(ctx, CreateJobRequest{SourceType: "upload", Command: "make"})
	if err != nil {
		t.Fatal(err)
	}

	// Lines published before the subscriber connects are replayed from the
	// backlog, so publishing first is not racy.
	relay.Publish(stream.LogLine{JobID: job.ID, Stream: "stdout", Line: "step one"})
	relay.Publish(stream.LogLine{JobID: job.ID, Stream: "stderr", Line: "step two"})

	msgs, err := c.FollowLogs(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}

	var lines []string
	for msg := range msgs {
		switch msg.Type {
		case "log":
			if msg.Line != nil {
				lines = append(lines, msg.Line.Line)
			}
			if len(lines) == 2 {
				relay.Finish(job.ID)
			}
		case "eof":
			if len(lines) != 2 || lines[0] != "step one" || lines[1] != "step two" {
				t.Errorf("unexpected lines: %v", lines)
			}
			return
		}
	}
	t.Fatal("channel closed before eof")
}

func TestFollowLogsUnauthorized(t *testing.T) {
	c, _, _ := startTestHub(t)

	bad := New(c.baseURL, "cvy_not_a_real_key")
	_, err := bad.FollowLogs(context.Background(), "some-job")
	if err == nil {
		t.Fatal("expected dial error for bad credentials")
	}
}
