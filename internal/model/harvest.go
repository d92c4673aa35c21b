package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// TaskStatus is the lifecycle state of a harvest task.
type TaskStatus string

// Task statuses. Completed and failed are terminal.
const (
	TaskPending    TaskStatus = "pending"
	TaskCollecting TaskStatus = "collecting"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// CollectionMarks is the only collection type harvested today.
const CollectionMarks = "marks"

// CategoryMeta is learned from the first page of a category.
type CategoryMeta struct {
	PageCount int  `json:"page_count"`
	ItemCount int  `json:"item_count"`
	EarlyStop bool `json:"early_stop,omitempty"`
}

// HarvestProgress is the persisted cursor of a task.
type HarvestProgress struct {
	Category string                  `json:"current_category"`
	Page     int                     `json:"current_page"`
	Meta     map[string]CategoryMeta `json:"meta"`
	Percent  int                     `json:"percent"` // high-water mark
}

// HarvestTask is a resumable, poll-driven crawl of one user's remote shelves.
type HarvestTask struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Year           int
	Type           string
	Status         TaskStatus
	Progress       HarvestProgress
	TotalCollected int
	Error          string
	Version        int64 // compare-and-swap guard for step
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HarvestedItem is a shared catalogue record keyed by the remote uuid.
type HarvestedItem struct {
	UUID     string
	URL      string
	Title    string
	Category string
	CoverURL string
}

// HarvestedMark is a user's shelf entry for an item, keyed by (user, item, shelf).
type HarvestedMark struct {
	UserID      uuid.UUID
	ItemUUID    string
	ShelfType   string
	CreatedTime time.Time
	RatingGrade *int
	Comment     string
	Tags        []string
}

// HarvestPage is everything one step writes together with the task row.
type HarvestPage struct {
	Items []HarvestedItem
	Marks []HarvestedMark
}
