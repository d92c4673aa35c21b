package repository

import (
	"context"

	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/gofrs/uuid/v5"
)

// TaskRepository provides versioned access to harvest tasks and their writes.
type TaskRepository interface {
	// Create inserts a task. Returns errs.ErrAlreadyExists when a collecting
	// task already exists for (user, year, type).
	Create(ctx context.Context, t *model.HarvestTask) error
	// GetActive loads the collecting task for (user, year, type).
	GetActive(ctx context.Context, userID uuid.UUID, year int, typ string) (*model.HarvestTask, error)
	// Get loads a task owned by userID.
	Get(ctx context.Context, userID, id uuid.UUID) (*model.HarvestTask, error)

	// Advance writes the page's items and marks and the task's new cursor,
	// status and total in one transaction, guarded by t.Version.
	// On success t.Version is incremented. A lost CAS returns errs.ErrVersionConflict.
	Advance(ctx context.Context, t *model.HarvestTask, page model.HarvestPage) error
	// Fail moves the task to failed with msg, guarded by t.Version.
	Fail(ctx context.Context, t *model.HarvestTask, msg string) error
	// Delete removes a completed task and returns errs.ErrNotFound otherwise.
	Delete(ctx context.Context, userID, id uuid.UUID) error
}
