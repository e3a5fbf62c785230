package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"formline/internal/domain"
	"formline/internal/repo"
)

const apiKeyPrefix = "fl_"

// CreateAPIKey mints a staff API key for actorID. The plain key is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", &domain.ValidationError{Fields: map[string]string{"actor_id": "is required"}}
	}
	secret, err := newToken()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	plain := apiKeyPrefix + secret
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: repo.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}

// FormCounts returns the number of forms per derived status.
func (e Engine) FormCounts(ctx context.Context) (map[domain.FormStatus]int, error) {
	return e.Repo.CountFormsByStatus(ctx, e.now())
}
