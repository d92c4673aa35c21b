package repository

import (
	"context"
	"time"

	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AccountRepository stores linked remote accounts. Rows are never deleted here.
type AccountRepository interface {
	// GetByProviderAccount loads the account bound to a remote account id.
	GetByProviderAccount(ctx context.Context, provider, accountID string) (*model.LinkedAccount, error)
	// GetForUser loads the most recently updated account of a user for a provider.
	GetForUser(ctx context.Context, userID uuid.UUID, provider string) (*model.LinkedAccount, error)
	// ListByUser returns every account of a user for a provider.
	ListByUser(ctx context.Context, userID uuid.UUID, provider string) ([]model.LinkedAccount, error)
	// ListStale returns unredacted accounts last updated before the cutoff.
	ListStale(ctx context.Context, provider string, before time.Time) ([]model.LinkedAccount, error)

	// Upsert inserts or refreshes token material keyed by (provider, account id).
	// ID, UserID and timestamps are filled from the stored row.
	Upsert(ctx context.Context, a *model.LinkedAccount) error
	// MarkLoggedIn clears redaction state and records the instance host.
	MarkLoggedIn(ctx context.Context, provider, accountID, instance string) error
	// Redact overwrites the access token with a tombstone and sets the redaction flag.
	Redact(ctx context.Context, id uuid.UUID, tombstone string) error
	// MarkRevealed sets token_revealed_at only if it is unset and reports whether it did.
	MarkRevealed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}
