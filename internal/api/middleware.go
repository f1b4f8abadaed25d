package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/internal/auth"
	"github.com/conveyor-ci/conveyor/internal/store"
	"github.com/google/uuid"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	workerIDKey contextKey = "worker_id"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		identity, err := s.resolveIdentity(r.Context(), authHeader[7:])
		if err != nil || identity == nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveIdentity accepts either an API key or a bearer token from the auth
// provider. Hosted identities are mapped to a local user record, created on
// first sight.
func (s *Server) resolveIdentity(ctx context.Context, token string) (*auth.Identity, error) {
	if strings.HasPrefix(token, "cvy_") {
		key, err := auth.ResolveAPIKey(ctx, s.store, token)
		if err != nil || key == nil {
			return nil, auth.ErrUnauthorized
		}
		user, err := s.store.GetUserByID(ctx, key.UserID)
		if err != nil || user == nil {
			return nil, auth.ErrUnauthorized
		}
		return &auth.Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
	}

	identity, err := s.authProvider.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !identity.External {
		return identity, nil
	}

	user, err := s.store.GetUserByExternalID(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user = &store.User{
			ID:         uuid.New().String(),
			ExternalID: identity.UserID,
			Email:      identity.Email,
			Role:       identity.Role,
			CreatedAt:  time.Now(),
		}
		if err := s.store.CreateUser(ctx, user); err != nil {
			return nil, err
		}
	}
	return &auth.Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil || identity.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// workerAuthMiddleware validates the time-limited HMAC worker token.
func (s *Server) workerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		workerID, err := s.workerAuth.ValidateWorkerToken(authHeader[7:])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid worker token")
			return
		}

		ctx := context.WithValue(r.Context(), workerIDKey, workerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

func getWorkerIDFromContext(ctx context.Context) string {
	workerID, _ := ctx.Value(workerIDKey).(string)
	return workerID
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
