package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

const accountCols = `id, user_id, provider, account_id, access_token, refresh_token, scope, instance,
COALESCE(is_token_redacted, false), token_revealed_at, created_at, updated_at`

func scanAccount(row scanner) (*model.LinkedAccount, error) {
	var a model.LinkedAccount
	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.AccountID, &a.AccessToken, &a.RefreshToken,
		&a.Scope, &a.Instance, &a.IsTokenRedacted, &a.TokenRevealedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) one(ctx context.Context, q string, args ...any) (*model.LinkedAccount, error) {
	a, err := scanAccount(r.db.Pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return a, err
}

func (r *AccountRepo) many(ctx context.Context, q string, args ...any) ([]model.LinkedAccount, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LinkedAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetByProviderAccount selects the account bound to a remote account id.
func (r *AccountRepo) GetByProviderAccount(ctx context.Context, provider, accountID string) (*model.LinkedAccount, error) {
	q := `SELECT ` + accountCols + ` FROM accounts WHERE provider=$1 AND account_id=$2`
	return r.one(ctx, q, provider, accountID)
}

// GetForUser selects the most recently updated account of a user.
func (r *AccountRepo) GetForUser(ctx context.Context, userID uuid.UUID, provider string) (*model.LinkedAccount, error) {
	q := `SELECT ` + accountCols + ` FROM accounts WHERE user_id=$1 AND provider=$2
ORDER BY updated_at DESC LIMIT 1`
	return r.one(ctx, q, userID, provider)
}

// ListByUser selects every account of a user for a provider.
func (r *AccountRepo) ListByUser(ctx context.Context, userID uuid.UUID, provider string) ([]model.LinkedAccount, error) {
	q := `SELECT ` + accountCols + ` FROM accounts WHERE user_id=$1 AND provider=$2 ORDER BY created_at`
	return r.many(ctx, q, userID, provider)
}

// ListStale selects unredacted accounts not updated since before.
func (r *AccountRepo) ListStale(ctx context.Context, provider string, before time.Time) ([]model.LinkedAccount, error) {
	q := `SELECT ` + accountCols + ` FROM accounts
WHERE provider=$1 AND is_token_redacted IS NOT TRUE AND updated_at < $2
ORDER BY updated_at`
	return r.many(ctx, q, provider, before)
}

// Upsert inserts an account or refreshes its token material. The owning user is never changed.
func (r *AccountRepo) Upsert(ctx context.Context, a *model.LinkedAccount) error {
	if a.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		a.ID = id
	}
	const q = `
INSERT INTO accounts (id, user_id, provider, account_id, access_token, refresh_token, scope, instance, is_token_redacted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
ON CONFLICT (provider, account_id) DO UPDATE
SET access_token=EXCLUDED.access_token,
    refresh_token=EXCLUDED.refresh_token,
    scope=EXCLUDED.scope,
    instance=EXCLUDED.instance,
    is_token_redacted=false,
    token_revealed_at=NULL,
    updated_at=now()
RETURNING id, user_id, created_at, updated_at`
	return r.db.Pool.QueryRow(ctx, q, a.ID, a.UserID, a.Provider, a.AccountID,
		a.AccessToken, a.RefreshToken, a.Scope, a.Instance).
		Scan(&a.ID, &a.UserID, &a.CreatedAt, &a.UpdatedAt)
}

// MarkLoggedIn resets redaction state after a successful login.
func (r *AccountRepo) MarkLoggedIn(ctx context.Context, provider, accountID, instance string) error {
	const q = `
UPDATE accounts
SET is_token_redacted=false, token_revealed_at=NULL, instance=$3, updated_at=now()
WHERE provider=$1 AND account_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, provider, accountID, instance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Redact overwrites the access token with a tombstone.
func (r *AccountRepo) Redact(ctx context.Context, id uuid.UUID, tombstone string) error {
	const q = `
UPDATE accounts
SET access_token=$2, is_token_redacted=true, updated_at=now()
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, tombstone)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MarkRevealed records the first reveal. updated_at is left untouched so a
// reveal does not postpone the stale sweep.
func (r *AccountRepo) MarkRevealed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	const q = `UPDATE accounts SET token_revealed_at=$2 WHERE id=$1 AND token_revealed_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
