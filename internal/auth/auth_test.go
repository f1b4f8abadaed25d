package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret:           "test-secret-at-least-32-chars-long",
		JWTExpiry:           config.Duration{Duration: 1 * time.Hour},
		WorkerTokenSecret:   "test-hmac-secret-for-workers",
		WorkerTokenLifetime: config.Duration{Duration: 1 * time.Hour},
		InitialAdmin: &config.InitialAdmin{
			Email:    "admin@example.com",
			Password: "admin-password",
		},
	}

	svc := NewService(s, cfg)
	return svc, s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	user, err := s.GetUserByEmail(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != "admin" {
		t.Errorf("Role: got %q, want %q", user.Role, "admin")
	}

	// Second bootstrap should be idempotent (no error, no duplicate)
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}
}

func TestLoginAndValidate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "dev@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Role != "user" {
		t.Errorf("default role = %q, want user", user.Role)
	}

	token, err := svc.Login(ctx, "dev@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.UserID != user.ID || id.Email != "dev@example.com" {
		t.Errorf("identity = %+v", id)
	}

	if _, err := svc.Login(ctx, "dev@example.com", "wrong"); err != ErrInvalidCredentials {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "x"); err != ErrInvalidCredentials {
		t.Errorf("unknown user: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.ValidateToken(ctx, "not-a-jwt"); err != ErrUnauthorized {
		t.Errorf("garbage token: got %v, want ErrUnauthorized", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "dup@example.com", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "dup@example.com", "pw", ""); err != ErrUserExists {
		t.Errorf("got %v, want ErrUserExists", err)
	}
}

func TestWorkerToken(t *testing.T) {
	svc, _ := newTestAuthService(t)

	token := svc.GenerateWorkerToken("worker-1")
	id, err := svc.ValidateWorkerToken(token)
	if err != nil {
		t.Fatalf("ValidateWorkerToken: %v", err)
	}
	if id != "worker-1" {
		t.Errorf("worker id = %q", id)
	}

	// Tampering with the signature must fail.
	if _, err := svc.ValidateWorkerToken(token[:len(token)-1] + "0"); err == nil {
		t.Error("tampered token accepted")
	}
	if _, err := svc.ValidateWorkerToken("worker-1:garbage"); err == nil {
		t.Error("malformed token accepted")
	}

	// A token signed with a different secret is rejected.
	other := &Service{workerTokenSecret: "different-secret", workerTokenLifetime: time.Hour}
	foreign := other.GenerateWorkerToken("worker-1")
	if _, err := svc.ValidateWorkerToken(foreign); err == nil {
		t.Error("token from other secret accepted")
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "keys@example.com", "pw", "")
	if err != nil {
		t.Fatal(err)
	}

	key, raw, err := GenerateAPIKey(ctx, s, user.ID, "ci")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(raw, "cvy_") {
		t.Errorf("raw key %q missing prefix", raw)
	}
	if key.KeyHash == raw {
		t.Error("raw key stored instead of hash")
	}

	got, err := ResolveAPIKey(ctx, s, raw)
	if err != nil || got == nil {
		t.Fatalf("ResolveAPIKey: %v, %v", got, err)
	}
	if got.UserID != user.ID {
		t.Errorf("resolved user = %q, want %q", got.UserID, user.ID)
	}

	missing, err := ResolveAPIKey(ctx, s, "cvy_unknown")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("unknown key resolved")
	}
}
