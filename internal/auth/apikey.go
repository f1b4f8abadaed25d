package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/conveyor-ci/conveyor/internal/store"
	"github.com/google/uuid"
)

const apiKeyPrefix = "cvy_"

// GenerateAPIKey creates a new API key for a user. The raw key is returned
// exactly once; only its SHA-256 hash is stored.
func GenerateAPIKey(ctx context.Context, s store.Store, userID, name string) (*store.APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate key material: %w", err)
	}
	raw := apiKeyPrefix + hex.EncodeToString(buf)

	key := &store.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyHash:   HashAPIKey(raw),
		CreatedAt: time.Now(),
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store api key: %w", err)
	}

	return key, raw, nil
}

// ResolveAPIKey looks up an API key by its raw value and returns its record.
// A nil result means the key is unknown.
func ResolveAPIKey(ctx context.Context, s store.Store, raw string) (*store.APIKey, error) {
	key, err := s.GetAPIKeyByHash(ctx, HashAPIKey(raw))
	if err != nil || key == nil {
		return nil, err
	}
	if err := s.TouchAPIKey(ctx, key.ID); err != nil {
		return nil, err
	}
	return key, nil
}

// HashAPIKey returns the hex SHA-256 digest of a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
