package repository

import (
	"context"

	"github.com/and161185/neodb-bridge/internal/model"
)

// ClientRepository stores one registered OAuth client per remote origin.
// ClientSecret is stored as given; callers seal it beforehand.
type ClientRepository interface {
	// Get loads the client for an origin.
	Get(ctx context.Context, instance string) (*model.RemoteClient, error)
	// Upsert inserts a client or replaces its credentials and redirect URI.
	Upsert(ctx context.Context, c *model.RemoteClient) error
}
