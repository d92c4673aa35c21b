package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/jackc/pgx/v5"
)

// StateRepo implements StateRepository using PostgreSQL.
type StateRepo struct {
	db  *DB
	ttl time.Duration
}

// NewStateRepo constructs a state repository. A zero ttl disables expiry on Pop.
func NewStateRepo(db *DB, ttl time.Duration) *StateRepo { return &StateRepo{db: db, ttl: ttl} }

// Save inserts a state record.
func (r *StateRepo) Save(ctx context.Context, s model.AuthState) error {
	const q = `
INSERT INTO neodb_auth_states (state, instance, callback_url, new_user_url, code_verifier)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, s.State, s.Instance, s.CallbackURL, s.NewUserURL, s.CodeVerifier)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Pop deletes and returns a state in a single statement.
func (r *StateRepo) Pop(ctx context.Context, state string) (model.AuthState, error) {
	const q = `
DELETE FROM neodb_auth_states WHERE state=$1
RETURNING state, instance, callback_url, new_user_url, code_verifier, created_at`
	var s model.AuthState
	err := r.db.Pool.QueryRow(ctx, q, state).
		Scan(&s.State, &s.Instance, &s.CallbackURL, &s.NewUserURL, &s.CodeVerifier, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuthState{}, errs.ErrNotFound
		}
		return model.AuthState{}, err
	}
	if r.ttl > 0 && time.Since(s.CreatedAt) > r.ttl {
		return model.AuthState{}, errs.ErrNotFound
	}
	return s, nil
}

// PurgeExpired deletes states created before the cutoff.
func (r *StateRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM neodb_auth_states WHERE created_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
