package postgres

import (
	"context"
	"errors"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, email, name, image, username)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`
	err := r.db.Pool.QueryRow(ctx, q, u.ID, u.Email, u.Name, u.Image, u.Username).Scan(&u.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `
SELECT id, email, name, image, username, created_at
FROM users WHERE id=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByEmail selects a user by e-mail.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	const q = `
SELECT id, email, name, image, username, created_at
FROM users WHERE email=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, email))
}

// UpdateProfile overwrites name and image.
func (r *UserRepo) UpdateProfile(ctx context.Context, id uuid.UUID, name, image string) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE users SET name=$2, image=$3 WHERE id=$1`, id, name, image)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.Username, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
