package conversations

import (
	"context"

	"github.com/example/delivery-sync/internal/models"
)

// PresenceAPI resolves a single user's online status.
type PresenceAPI interface {
	Presence(ctx context.Context, userID string) (models.Presence, error)
}

// Fetcher is a stateless per-user presence resolver. Failures are per-user;
// callers degrade that one entry to unknown rather than failing the batch.
type Fetcher struct {
	api PresenceAPI
}

func NewFetcher(api PresenceAPI) *Fetcher {
	return &Fetcher{api: api}
}

func (f *Fetcher) Resolve(ctx context.Context, userID string) (models.Presence, error) {
	return f.api.Presence(ctx, userID)
}
