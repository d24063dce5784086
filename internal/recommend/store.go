package recommend

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("record not found in store")

// Store is the persistence boundary for recommendations and usage counters.
// The manager treats it as an opaque collaborator; writes are best-effort and
// never block a mutation.
type Store interface {
	SaveRecommendation(ctx context.Context, rec Recommendation) error
	ListRecommendations(ctx context.Context, key SessionKey) ([]Recommendation, error)
	SaveUsage(ctx context.Context, key SessionKey, usage TokenUsage) error
	GetUsage(ctx context.Context, key SessionKey) (TokenUsage, error)
	Close() error
}

// NewStore returns a Postgres-backed store when databaseURL is set, otherwise
// (nil, nil) so callers fall back to in-memory state only.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		return nil, nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
