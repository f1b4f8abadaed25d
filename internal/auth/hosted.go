package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// HostedProvider validates JWTs issued by a hosted auth provider using JWKS.
type HostedProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewHostedProvider creates a HostedProvider that fetches JWKS from the issuer.
func NewHostedProvider(issuer string) (*HostedProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("hosted auth issuer URL is required")
	}

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &HostedProvider{
		issuer: issuer,
		jwks:   jwks,
	}, nil
}

// ValidateToken parses a hosted-provider JWT and returns an Identity.
// The returned UserID is the provider's subject; callers map it to a
// local user record.
func (h *HostedProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, h.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(h.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role := "user"
	if r, _ := claims["role"].(string); r == "admin" {
		role = "admin"
	}

	return &Identity{
		UserID:   sub,
		Email:    claimStr(claims, "email"),
		Role:     role,
		External: true,
	}, nil
}

// Bootstrap is a no-op for hosted auth (users are managed externally).
func (h *HostedProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// Name returns the provider name.
func (h *HostedProvider) Name() string { return "hosted" }
