// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/gofrs/uuid/v5"
)

// UserRepository provides access to local users.
type UserRepository interface {
	// Create inserts a new user. Returns errs.ErrAlreadyExists on a duplicate e-mail.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetByEmail loads a user by e-mail.
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// UpdateProfile overwrites the display name and image of a user.
	UpdateProfile(ctx context.Context, id uuid.UUID, name, image string) error
}
