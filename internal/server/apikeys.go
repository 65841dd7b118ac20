package server

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"draftline/internal/domain"
	"draftline/internal/repo"
)

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// newAPIKey mints a key, stores only its hash, and returns the plaintext once.
func newAPIKey(ctx context.Context, r repo.Repo, actorID, name string) (string, domain.APIKey, error) {
	key := "dlk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	rec := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertAPIKey(ctx, rec); err != nil {
		return "", domain.APIKey{}, err
	}
	return key, rec, nil
}
