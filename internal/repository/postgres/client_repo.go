package postgres

import (
	"context"
	"errors"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/jackc/pgx/v5"
)

// ClientRepo implements ClientRepository using PostgreSQL.
type ClientRepo struct{ db *DB }

// NewClientRepo constructs a client repository.
func NewClientRepo(db *DB) *ClientRepo { return &ClientRepo{db: db} }

// Get selects the client registered for an origin.
func (r *ClientRepo) Get(ctx context.Context, instance string) (*model.RemoteClient, error) {
	const q = `
SELECT instance, client_id, client_secret, redirect_uri, created_at, updated_at
FROM neodb_clients WHERE instance=$1`
	var c model.RemoteClient
	err := r.db.Pool.QueryRow(ctx, q, instance).
		Scan(&c.Instance, &c.ClientID, &c.ClientSecret, &c.RedirectURI, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Upsert inserts a client or replaces the registration for its origin.
func (r *ClientRepo) Upsert(ctx context.Context, c *model.RemoteClient) error {
	const q = `
INSERT INTO neodb_clients (instance, client_id, client_secret, redirect_uri)
VALUES ($1, $2, $3, $4)
ON CONFLICT (instance) DO UPDATE
SET client_id=EXCLUDED.client_id,
    client_secret=EXCLUDED.client_secret,
    redirect_uri=EXCLUDED.redirect_uri,
    updated_at=now()
RETURNING created_at, updated_at`
	return r.db.Pool.QueryRow(ctx, q, c.Instance, c.ClientID, c.ClientSecret, c.RedirectURI).
		Scan(&c.CreatedAt, &c.UpdatedAt)
}
