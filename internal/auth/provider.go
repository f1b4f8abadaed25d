package auth

import (
	"context"
	"time"

	"github.com/conveyor-ci/conveyor/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // Internal user ID (builtin) or external provider user ID
	Email    string
	Role     string // "admin" or "user"
	External bool   // true when UserID comes from the hosted provider
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support email/password login.
type LoginProvider interface {
	Login(ctx context.Context, email, password string) (string, error)
	Register(ctx context.Context, email, password, role string) (*store.User, error)
}

// WorkerAuthProvider handles worker token validation and generation.
type WorkerAuthProvider interface {
	ValidateWorkerToken(token string) (string, error)
	GenerateWorkerToken(workerID string) string
	WorkerTokenLifetime() time.Duration
}
