package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/metrics"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/remote"
	"github.com/and161185/neodb-bridge/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// DefaultCategories is the crawl order of shelves.
var DefaultCategories = []string{"wishlist", "progress", "complete", "dropped"}

const maxTaskError = 500

// ShelfReader fetches one page of a user's shelf.
type ShelfReader interface {
	Shelf(ctx context.Context, origin, token, category string, page int) (*remote.ShelfPage, error)
}

// TokenSource loads the linked account used for harvesting.
type TokenSource interface {
	GetForUser(ctx context.Context, userID uuid.UUID, provider string) (*model.LinkedAccount, error)
}

// StepResult is returned by one harvest step.
type StepResult struct {
	Done    bool
	Written int
	Task    *model.HarvestTask
}

// Harvester drives resumable, one-page-per-call crawls of a user's shelves
// for a target year.
type Harvester struct {
	tasks      repository.TaskRepository
	accounts   TokenSource
	shelves    ShelfReader
	categories []string
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// NewHarvester constructs a harvester. Empty categories fall back to DefaultCategories.
func NewHarvester(tasks repository.TaskRepository, accounts TokenSource, shelves ShelfReader, categories []string, m *metrics.Metrics, log *zap.Logger) *Harvester {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Harvester{
		tasks:      tasks,
		accounts:   accounts,
		shelves:    shelves,
		categories: slices.Clone(categories),
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

// Start returns the collecting task for (user, year), creating it when absent.
func (h *Harvester) Start(ctx context.Context, userID uuid.UUID, year int) (uuid.UUID, error) {
	if userID == uuid.Nil {
		return uuid.Nil, errs.E(errs.Unauthorized, nil)
	}
	if year < 1900 || year > h.now().Year()+1 {
		return uuid.Nil, errs.E(errs.InvalidRequest, fmt.Errorf("year %d out of range", year))
	}

	t, err := h.tasks.GetActive(ctx, userID, year, model.CollectionMarks)
	switch {
	case err == nil:
		return t.ID, nil
	case !errors.Is(err, errs.ErrNotFound):
		return uuid.Nil, errs.E(errs.DatabaseUnavailable, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, errs.E(errs.Internal, err)
	}
	t = &model.HarvestTask{
		ID:     id,
		UserID: userID,
		Year:   year,
		Type:   model.CollectionMarks,
		Status: model.TaskCollecting,
		Progress: model.HarvestProgress{
			Category: h.categories[0],
			Page:     1,
			Meta:     map[string]model.CategoryMeta{},
		},
	}
	if err := h.tasks.Create(ctx, t); err != nil {
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return uuid.Nil, errs.E(errs.DatabaseUnavailable, err)
		}
		active, err := h.tasks.GetActive(ctx, userID, year, model.CollectionMarks)
		if err != nil {
			return uuid.Nil, errs.E(errs.DatabaseUnavailable, err)
		}
		return active.ID, nil
	}
	h.log.Info("harvest started", zap.String("task", id.String()), zap.Int("year", year))
	return id, nil
}

// Status returns the task snapshot.
func (h *Harvester) Status(ctx context.Context, userID, taskID uuid.UUID) (*model.HarvestTask, error) {
	return h.load(ctx, userID, taskID)
}

// Step fetches and stores exactly one shelf page and advances the cursor.
func (h *Harvester) Step(ctx context.Context, userID, taskID uuid.UUID) (StepResult, error) {
	t, err := h.load(ctx, userID, taskID)
	if err != nil {
		return StepResult{}, err
	}
	switch t.Status {
	case model.TaskCompleted:
		return StepResult{Done: true, Task: t}, nil
	case model.TaskFailed:
		return StepResult{Task: t}, errs.E(errs.TaskFailed, errors.New(t.Error))
	}

	acc, err := h.accounts.GetForUser(ctx, userID, model.ProviderNeoDB)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return StepResult{}, errs.E(errs.Unauthorized, err)
		}
		return StepResult{}, errs.E(errs.DatabaseUnavailable, err)
	}
	if !acc.HasUsableToken() || IsTombstone(acc.AccessToken) {
		return StepResult{}, errs.E(errs.Unauthorized, errors.New("access token redacted"))
	}
	origin, ok := AccountOrigin(*acc)
	if !ok {
		return StepResult{}, errs.E(errs.Unauthorized, errors.New("unknown instance"))
	}

	catIdx := slices.Index(h.categories, t.Progress.Category)
	if catIdx < 0 {
		return StepResult{}, h.fail(ctx, t, errs.TaskFailed, fmt.Errorf("unknown category %q", t.Progress.Category))
	}

	page, err := h.shelves.Shelf(ctx, origin, acc.AccessToken, t.Progress.Category, t.Progress.Page)
	if err != nil {
		var se *remote.StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			h.metrics.HarvestStep("unauthorized", 0)
			return StepResult{}, errs.E(errs.Unauthorized, err)
		}
		return StepResult{}, h.fail(ctx, t, errs.RemoteAPIError, err)
	}

	next, out, earlyStop := h.advance(*t, catIdx, page, userID)
	if err := h.tasks.Advance(ctx, &next, out); err != nil {
		if errors.Is(err, errs.ErrVersionConflict) {
			h.metrics.HarvestStep("conflict", 0)
			return StepResult{}, errs.E(errs.Conflict, err)
		}
		return StepResult{}, h.fail(ctx, t, errs.DatabaseUnavailable, err)
	}

	h.metrics.HarvestStep("ok", len(out.Marks))
	h.log.Debug("harvest step",
		zap.String("task", t.ID.String()),
		zap.String("category", t.Progress.Category),
		zap.Int("page", t.Progress.Page),
		zap.Int("written", len(out.Marks)),
		zap.Bool("early_stop", earlyStop),
	)
	return StepResult{Done: next.Status == model.TaskCompleted, Written: len(out.Marks), Task: &next}, nil
}

// advance filters page by year and computes the task's next cursor.
func (h *Harvester) advance(t model.HarvestTask, catIdx int, page *remote.ShelfPage, userID uuid.UUID) (model.HarvestTask, model.HarvestPage, bool) {
	cat := t.Progress.Category
	prog := t.Progress
	prog.Meta = maps.Clone(t.Progress.Meta)
	if prog.Meta == nil {
		prog.Meta = map[string]model.CategoryMeta{}
	}
	meta, seen := prog.Meta[cat]
	if !seen || prog.Page == 1 {
		meta = model.CategoryMeta{PageCount: page.Pages, ItemCount: page.Count}
	}

	var (
		out       model.HarvestPage
		earlyStop bool
	)
	for _, m := range page.Data {
		y := m.CreatedTime.UTC().Year()
		if y < t.Year {
			earlyStop = true
			break
		}
		if y > t.Year || m.Item.UUID == "" {
			continue
		}
		out.Items = append(out.Items, model.HarvestedItem{
			UUID:     m.Item.UUID,
			URL:      m.Item.URL,
			Title:    m.Item.DisplayTitle,
			Category: m.Item.Category,
			CoverURL: m.Item.CoverImageURL,
		})
		out.Marks = append(out.Marks, model.HarvestedMark{
			UserID:      userID,
			ItemUUID:    m.Item.UUID,
			ShelfType:   cat,
			CreatedTime: m.CreatedTime,
			RatingGrade: m.RatingGrade,
			Comment:     m.CommentText,
			Tags:        m.Tags,
		})
	}
	if earlyStop {
		meta.EarlyStop = true
	}
	prog.Meta[cat] = meta

	next := t
	next.TotalCollected = t.TotalCollected + len(out.Marks)
	lastPage := len(page.Data) == 0 || prog.Page >= page.Pages
	switch {
	case !earlyStop && !lastPage:
		prog.Page++
	case catIdx == len(h.categories)-1:
		next.Status = model.TaskCompleted
	default:
		prog.Category = h.categories[catIdx+1]
		prog.Page = 1
	}
	prog.Percent = Percent(h.categories, prog, next.Status)
	next.Progress = prog
	next.Error = ""
	return next, out, earlyStop
}

// Percent estimates completion from pages done over pages known. The result
// never drops below the stored high-water mark and stays under 100 until
// the task completes.
func Percent(categories []string, p model.HarvestProgress, status model.TaskStatus) int {
	if status == model.TaskCompleted {
		return 100
	}
	cur := slices.Index(categories, p.Category)
	var done, total int
	for i, c := range categories {
		m, ok := p.Meta[c]
		if !ok {
			continue
		}
		pages := max(m.PageCount, 1)
		total += pages
		switch {
		case i < cur:
			done += pages
		case i == cur:
			done += min(max(p.Page-1, 0), pages)
		}
	}
	if total == 0 {
		return p.Percent
	}
	pct := min(done*100/total, 99)
	return max(pct, p.Percent)
}

// Finalize deletes a completed task and returns its collected count.
func (h *Harvester) Finalize(ctx context.Context, userID, taskID uuid.UUID) (int, error) {
	t, err := h.load(ctx, userID, taskID)
	if err != nil {
		return 0, err
	}
	if t.Status != model.TaskCompleted {
		return 0, errs.E(errs.TaskNotCompleted, nil)
	}
	if err := h.tasks.Delete(ctx, userID, taskID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return 0, errs.E(errs.TaskNotCompleted, err)
		}
		return 0, errs.E(errs.DatabaseUnavailable, err)
	}
	h.log.Info("harvest finalized", zap.String("task", taskID.String()), zap.Int("total", t.TotalCollected))
	return t.TotalCollected, nil
}

func (h *Harvester) load(ctx context.Context, userID, taskID uuid.UUID) (*model.HarvestTask, error) {
	t, err := h.tasks.Get(ctx, userID, taskID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.E(errs.TaskNotFound, err)
		}
		return nil, errs.E(errs.DatabaseUnavailable, err)
	}
	return t, nil
}

// fail persists the failure on the task and returns it coded.
func (h *Harvester) fail(ctx context.Context, t *model.HarvestTask, code errs.Code, cause error) error {
	if err := h.tasks.Fail(ctx, t, truncateUTF8(cause.Error(), maxTaskError)); err != nil {
		h.log.Error("persist task failure", zap.String("task", t.ID.String()), zap.Error(err))
	}
	h.metrics.HarvestStep("failed", 0)
	return errs.E(code, cause)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
