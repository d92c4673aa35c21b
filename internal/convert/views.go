// Package convert projects domain values onto the JSON shapes of the HTTP API.
package convert

import (
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/service"
)

// --- harvest ---

// StartRequest is the body of a harvest start call.
type StartRequest struct {
	Year int `json:"year" validate:"required,min=1900,max=9999"`
}

// StartView identifies the collecting task.
type StartView struct {
	ID string `json:"id"`
}

// CategoryView is the per-category metadata of a task.
type CategoryView struct {
	PageCount int  `json:"page_count"`
	ItemCount int  `json:"item_count"`
	EarlyStop bool `json:"early_stop,omitempty"`
}

// TaskView is the status snapshot of a harvest task.
type TaskView struct {
	ID             string                  `json:"id"`
	Year           int                     `json:"year"`
	Type           string                  `json:"type"`
	Status         string                  `json:"status"`
	Category       string                  `json:"current_category"`
	Page           int                     `json:"current_page"`
	Meta           map[string]CategoryView `json:"meta"`
	TotalCollected int                     `json:"total_collected"`
	Percent        int                     `json:"percent"`
	Error          string                  `json:"error,omitempty"`
	CreatedAt      *time.Time              `json:"created_at,omitempty"`
	UpdatedAt      *time.Time              `json:"updated_at,omitempty"`
}

func ts(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// ToTaskView projects a task.
func ToTaskView(t model.HarvestTask) TaskView {
	meta := make(map[string]CategoryView, len(t.Progress.Meta))
	for k, m := range t.Progress.Meta {
		meta[k] = CategoryView(m)
	}
	return TaskView{
		ID:             t.ID.String(),
		Year:           t.Year,
		Type:           t.Type,
		Status:         string(t.Status),
		Category:       t.Progress.Category,
		Page:           t.Progress.Page,
		Meta:           meta,
		TotalCollected: t.TotalCollected,
		Percent:        t.Progress.Percent,
		Error:          t.Error,
		CreatedAt:      ts(t.CreatedAt),
		UpdatedAt:      ts(t.UpdatedAt),
	}
}

// StepView is the result of one harvest step.
type StepView struct {
	Done    bool     `json:"done"`
	Written int      `json:"written"`
	Task    TaskView `json:"task"`
}

// ToStepView projects a step result.
func ToStepView(r service.StepResult) StepView {
	v := StepView{Done: r.Done, Written: r.Written}
	if r.Task != nil {
		v.Task = ToTaskView(*r.Task)
	}
	return v
}

// FinalizeView reports the total of a finalized task.
type FinalizeView struct {
	TotalCollected int `json:"total_collected"`
}

// --- tokens ---

// RevealView carries a revealed access token.
type RevealView struct {
	AccessToken string `json:"access_token"`
}

// SweepView summarizes a bulk redaction.
type SweepView struct {
	Redacted int `json:"redacted"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// ToSweepView projects a sweep report.
func ToSweepView(r service.SweepReport) SweepView {
	return SweepView{Redacted: r.Redacted, Failed: r.Failed, Skipped: r.Skipped}
}

// --- errors ---

// ErrorView is the body of every JSON error response.
type ErrorView struct {
	Error   errs.Code `json:"error"`
	Message string    `json:"message,omitempty"`
}
