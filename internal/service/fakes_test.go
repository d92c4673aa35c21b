package service

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/limiter"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/remote"
	"github.com/and161185/neodb-bridge/internal/repository"
	"github.com/gofrs/uuid/v5"
	"golang.org/x/oauth2"
)

type fakeUsers struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.User

	createErr error
	getErr    error
}

var _ repository.UserRepository = (*fakeUsers)(nil)

func newFakeUsers() *fakeUsers { return &fakeUsers{byID: map[uuid.UUID]*model.User{}} }

func (f *fakeUsers) Create(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, x := range f.byID {
		if x.Email == u.Email {
			return errs.ErrAlreadyExists
		}
	}
	c := *u
	f.byID[u.ID] = &c
	return nil
}
func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}
func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, u := range f.byID {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}
func (f *fakeUsers) UpdateProfile(_ context.Context, id uuid.UUID, name, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	u.Name, u.Image = name, image
	return nil
}

type fakeAccounts struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.LinkedAccount

	listErr   error
	redactErr error
	redacted  []uuid.UUID
	loggedIn  []string
}

var _ repository.AccountRepository = (*fakeAccounts)(nil)

func newFakeAccounts(accs ...model.LinkedAccount) *fakeAccounts {
	f := &fakeAccounts{byID: map[uuid.UUID]*model.LinkedAccount{}}
	for i := range accs {
		a := accs[i]
		f.byID[a.ID] = &a
	}
	return f
}

func (f *fakeAccounts) GetByProviderAccount(_ context.Context, provider, accountID string) (*model.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Provider == provider && a.AccountID == accountID {
			c := *a
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}
func (f *fakeAccounts) GetForUser(_ context.Context, userID uuid.UUID, provider string) (*model.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.UserID == userID && a.Provider == provider {
			c := *a
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}
func (f *fakeAccounts) ListByUser(_ context.Context, userID uuid.UUID, provider string) ([]model.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.LinkedAccount
	for _, a := range f.byID {
		if a.UserID == userID && a.Provider == provider {
			out = append(out, *a)
		}
	}
	return out, nil
}
func (f *fakeAccounts) ListStale(_ context.Context, provider string, before time.Time) ([]model.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.LinkedAccount
	for _, a := range f.byID {
		if a.Provider == provider && !a.IsTokenRedacted && a.UpdatedAt.Before(before) {
			out = append(out, *a)
		}
	}
	return out, nil
}
func (f *fakeAccounts) Upsert(_ context.Context, a *model.LinkedAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.byID {
		if x.Provider == a.Provider && x.AccountID == a.AccountID {
			x.AccessToken, x.RefreshToken, x.Scope = a.AccessToken, a.RefreshToken, a.Scope
			x.IsTokenRedacted, x.TokenRevealedAt = false, nil
			x.UpdatedAt = time.Now()
			a.ID, a.UserID = x.ID, x.UserID
			return nil
		}
	}
	a.ID = uuid.Must(uuid.NewV4())
	a.UpdatedAt = time.Now()
	c := *a
	f.byID[a.ID] = &c
	return nil
}
func (f *fakeAccounts) MarkLoggedIn(_ context.Context, _, accountID, instance string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedIn = append(f.loggedIn, accountID+"|"+instance)
	return nil
}
func (f *fakeAccounts) Redact(_ context.Context, id uuid.UUID, tombstone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redactErr != nil {
		return f.redactErr
	}
	a, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	a.AccessToken, a.IsTokenRedacted = tombstone, true
	f.redacted = append(f.redacted, id)
	return nil
}
func (f *fakeAccounts) MarkRevealed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok || a.TokenRevealedAt != nil {
		return false, nil
	}
	a.TokenRevealedAt = &at
	return true, nil
}

func (f *fakeAccounts) get(id uuid.UUID) model.LinkedAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

type fakeClients struct {
	mu     sync.Mutex
	byInst map[string]model.RemoteClient

	getErr  error
	upserts int
}

var _ repository.ClientRepository = (*fakeClients)(nil)

func newFakeClients() *fakeClients { return &fakeClients{byInst: map[string]model.RemoteClient{}} }

func (f *fakeClients) Get(_ context.Context, instance string) (*model.RemoteClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.byInst[instance]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}
func (f *fakeClients) Upsert(_ context.Context, c *model.RemoteClient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.byInst[c.Instance] = *c
	return nil
}

type fakeStates struct {
	mu sync.Mutex
	m  map[string]model.AuthState

	saveErr error
}

var _ repository.StateRepository = (*fakeStates)(nil)

func newFakeStates() *fakeStates { return &fakeStates{m: map[string]model.AuthState{}} }

func (f *fakeStates) Save(_ context.Context, s model.AuthState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if _, ok := f.m[s.State]; ok {
		return errs.ErrAlreadyExists
	}
	f.m[s.State] = s
	return nil
}
func (f *fakeStates) Pop(_ context.Context, state string) (model.AuthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.m[state]
	if !ok {
		return model.AuthState{}, errs.ErrNotFound
	}
	delete(f.m, state)
	return s, nil
}
func (f *fakeStates) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, s := range f.m {
		if s.CreatedAt.Before(before) {
			delete(f.m, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeStates) only() model.AuthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.m {
		return s
	}
	return model.AuthState{}
}

type fakeTasks struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*model.HarvestTask
	items map[string]model.HarvestedItem
	marks map[string]model.HarvestedMark

	advanceErr error
	// beforeAdvance runs inside Advance before the CAS check.
	beforeAdvance func()
}

var _ repository.TaskRepository = (*fakeTasks)(nil)

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		byID:  map[uuid.UUID]*model.HarvestTask{},
		items: map[string]model.HarvestedItem{},
		marks: map[string]model.HarvestedMark{},
	}
}

func (f *fakeTasks) Create(_ context.Context, t *model.HarvestTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.byID {
		if x.UserID == t.UserID && x.Year == t.Year && x.Type == t.Type && x.Status == model.TaskCollecting {
			return errs.ErrAlreadyExists
		}
	}
	t.Version = 1
	c := *t
	f.byID[t.ID] = &c
	return nil
}
func (f *fakeTasks) GetActive(_ context.Context, userID uuid.UUID, year int, typ string) (*model.HarvestTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.byID {
		if x.UserID == userID && x.Year == year && x.Type == typ && x.Status == model.TaskCollecting {
			c := *x
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}
func (f *fakeTasks) Get(_ context.Context, userID, id uuid.UUID) (*model.HarvestTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	x, ok := f.byID[id]
	if !ok || x.UserID != userID {
		return nil, errs.ErrNotFound
	}
	c := *x
	return &c, nil
}
func (f *fakeTasks) Advance(_ context.Context, t *model.HarvestTask, page model.HarvestPage) error {
	if f.beforeAdvance != nil {
		f.beforeAdvance()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advanceErr != nil {
		return f.advanceErr
	}
	x, ok := f.byID[t.ID]
	if !ok || x.Version != t.Version {
		return errs.ErrVersionConflict
	}
	for _, it := range page.Items {
		if _, ok := f.items[it.UUID]; !ok {
			f.items[it.UUID] = it
		}
	}
	for _, m := range page.Marks {
		f.marks[m.UserID.String()+"|"+m.ItemUUID+"|"+m.ShelfType] = m
	}
	t.Version++
	c := *t
	f.byID[t.ID] = &c
	return nil
}
func (f *fakeTasks) Fail(_ context.Context, t *model.HarvestTask, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	x, ok := f.byID[t.ID]
	if !ok || x.Version != t.Version {
		return errs.ErrVersionConflict
	}
	x.Status, x.Error = model.TaskFailed, msg
	x.Version++
	return nil
}
func (f *fakeTasks) Delete(_ context.Context, userID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	x, ok := f.byID[id]
	if !ok || x.UserID != userID || x.Status != model.TaskCompleted {
		return errs.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

// bump simulates a concurrent writer advancing the row.
func (f *fakeTasks) bump(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].Version++
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	successErr  error

	allowCalls   int
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	l.allowCalls++
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return l.successErr
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, nil
}

// fakeRemote stands in for a NeoDB instance.
type fakeRemote struct {
	mu sync.Mutex

	version     string
	instanceErr error

	app         *remote.App
	registerErr error
	registered  int

	token       *oauth2.Token
	exchangeErr error
	exchanged   []string // code|verifier

	profile *remote.Profile
	meErr   error

	revokeErr error
	revoked   []string // origin|token

	shelves  map[string][]remote.ShelfPage // category -> pages (1-based index - 1)
	shelfErr error
	fetched  []string
}

func (r *fakeRemote) InstanceInfo(_ context.Context, _ string) (*remote.Instance, error) {
	if r.instanceErr != nil {
		return nil, r.instanceErr
	}
	return &remote.Instance{Version: r.version}, nil
}
func (r *fakeRemote) RegisterApp(_ context.Context, _, _ string) (*remote.App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered++
	if r.registerErr != nil {
		return nil, r.registerErr
	}
	a := *r.app
	return &a, nil
}
func (r *fakeRemote) OAuthConfig(origin, clientID, clientSecret, redirectURI string) *oauth2.Config {
	return remote.New(nil, "neodb-bridge", "read", "").OAuthConfig(origin, clientID, clientSecret, redirectURI)
}
func (r *fakeRemote) Exchange(_ context.Context, _ *oauth2.Config, code, verifier string) (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanged = append(r.exchanged, code+"|"+verifier)
	if r.exchangeErr != nil {
		return nil, r.exchangeErr
	}
	return r.token, nil
}
func (r *fakeRemote) Me(_ context.Context, _, _ string) (*remote.Profile, error) {
	if r.meErr != nil {
		return nil, r.meErr
	}
	p := *r.profile
	return &p, nil
}
func (r *fakeRemote) Revoke(_ context.Context, origin, _, _, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, origin+"|"+token)
	return r.revokeErr
}
func (r *fakeRemote) Shelf(_ context.Context, _, _, category string, page int) (*remote.ShelfPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched = append(r.fetched, category+"#"+strconv.Itoa(page))
	if r.shelfErr != nil {
		return nil, r.shelfErr
	}
	pages := r.shelves[category]
	if page < 1 || page > len(pages) {
		return &remote.ShelfPage{Pages: len(pages)}, nil
	}
	p := pages[page-1]
	p.Data = slices.Clone(p.Data)
	return &p, nil
}
