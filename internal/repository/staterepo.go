package repository

import (
	"context"
	"time"

	"github.com/and161185/neodb-bridge/internal/model"
)

// StateRepository holds single-use authorization correlation records.
type StateRepository interface {
	// Save persists a state record.
	Save(ctx context.Context, s model.AuthState) error
	// Pop atomically reads and deletes a state. A second Pop of the same
	// token returns errs.ErrNotFound.
	Pop(ctx context.Context, state string) (model.AuthState, error)
	// PurgeExpired deletes states created before the cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
