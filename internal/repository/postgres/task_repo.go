package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// TaskRepo implements TaskRepository using PostgreSQL.
type TaskRepo struct{ db *DB }

// NewTaskRepo constructs a harvest task repository.
func NewTaskRepo(db *DB) *TaskRepo { return &TaskRepo{db: db} }

const taskCols = `id, user_id, year, type, status, progress, total_collected, error, version, created_at, updated_at`

func scanTask(row scanner) (*model.HarvestTask, error) {
	var (
		t        model.HarvestTask
		status   string
		progress []byte
		errMsg   *string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Year, &t.Type, &status, &progress,
		&t.TotalCollected, &errMsg, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	if errMsg != nil {
		t.Error = *errMsg
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &t.Progress); err != nil {
			return nil, fmt.Errorf("task %s progress: %w", t.ID, err)
		}
	}
	return &t, nil
}

// Create inserts a new task row.
func (r *TaskRepo) Create(ctx context.Context, t *model.HarvestTask) error {
	progress, err := json.Marshal(t.Progress)
	if err != nil {
		return err
	}
	if t.Version == 0 {
		t.Version = 1
	}
	const q = `
INSERT INTO harvest_tasks (id, user_id, year, type, status, progress, total_collected, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at, updated_at`
	err = r.db.Pool.QueryRow(ctx, q, t.ID, t.UserID, t.Year, t.Type, string(t.Status), progress,
		t.TotalCollected, t.Version).Scan(&t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetActive selects the collecting task for (user, year, type).
func (r *TaskRepo) GetActive(ctx context.Context, userID uuid.UUID, year int, typ string) (*model.HarvestTask, error) {
	q := `SELECT ` + taskCols + ` FROM harvest_tasks
WHERE user_id=$1 AND year=$2 AND type=$3 AND status='collecting'`
	return scanTask(r.db.Pool.QueryRow(ctx, q, userID, year, typ))
}

// Get selects a task owned by userID.
func (r *TaskRepo) Get(ctx context.Context, userID, id uuid.UUID) (*model.HarvestTask, error) {
	q := `SELECT ` + taskCols + ` FROM harvest_tasks WHERE id=$1 AND user_id=$2`
	return scanTask(r.db.Pool.QueryRow(ctx, q, id, userID))
}

// Advance persists one step: the task row first (compare-and-swap on version,
// which also locks the row), then the page's item and mark upserts.
func (r *TaskRepo) Advance(ctx context.Context, t *model.HarvestTask, page model.HarvestPage) error {
	progress, err := json.Marshal(t.Progress)
	if err != nil {
		return err
	}

	const upd = `
UPDATE harvest_tasks
SET status=$3, progress=$4, total_collected=$5, error=NULL, version=version+1, updated_at=now()
WHERE id=$1 AND version=$2
RETURNING version, updated_at`
	const insItem = `
INSERT INTO harvested_items (uuid, url, title, category, cover_url)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (uuid) DO NOTHING`
	const upsMark = `
INSERT INTO harvested_marks (user_id, item_uuid, shelf_type, created_time, rating_grade, comment_text, tags)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, item_uuid, shelf_type) DO UPDATE
SET created_time=EXCLUDED.created_time,
    rating_grade=EXCLUDED.rating_grade,
    comment_text=EXCLUDED.comment_text,
    tags=EXCLUDED.tags,
    updated_at=now()
WHERE (harvested_marks.created_time, harvested_marks.rating_grade, harvested_marks.comment_text, harvested_marks.tags)
    IS DISTINCT FROM (EXCLUDED.created_time, EXCLUDED.rating_grade, EXCLUDED.comment_text, EXCLUDED.tags)`

	var ver int64
	err = withTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, upd, t.ID, t.Version, string(t.Status), progress, t.TotalCollected)
		if err := row.Scan(&ver, &t.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrVersionConflict
			}
			return err
		}
		for i, it := range page.Items {
			if _, err := tx.Exec(ctx, insItem, it.UUID, it.URL, it.Title, it.Category, it.CoverURL); err != nil {
				return fmt.Errorf("item[%d]: %w", i, err)
			}
		}
		for i, m := range page.Marks {
			tags := m.Tags
			if tags == nil {
				tags = []string{}
			}
			if _, err := tx.Exec(ctx, upsMark, m.UserID, m.ItemUUID, m.ShelfType, m.CreatedTime,
				m.RatingGrade, m.Comment, tags); err != nil {
				return fmt.Errorf("mark[%d]: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.Version = ver
	return nil
}

// Fail marks the task failed with a message.
func (r *TaskRepo) Fail(ctx context.Context, t *model.HarvestTask, msg string) error {
	const q = `
UPDATE harvest_tasks
SET status='failed', error=$3, version=version+1, updated_at=now()
WHERE id=$1 AND version=$2
RETURNING version, updated_at`
	var ver int64
	if err := r.db.Pool.QueryRow(ctx, q, t.ID, t.Version, msg).Scan(&ver, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrVersionConflict
		}
		return err
	}
	t.Version = ver
	t.Status = model.TaskFailed
	t.Error = msg
	return nil
}

// Delete removes a completed task.
func (r *TaskRepo) Delete(ctx context.Context, userID, id uuid.UUID) error {
	const q = `DELETE FROM harvest_tasks WHERE id=$1 AND user_id=$2 AND status='completed'`
	tag, err := r.db.Pool.Exec(ctx, q, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
