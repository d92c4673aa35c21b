package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"
)

type staticClients map[string]model.RemoteClient

func (s staticClients) Lookup(_ context.Context, origin string) (model.RemoteClient, error) {
	c, ok := s[origin]
	if !ok {
		return model.RemoteClient{}, errs.ErrNotFound
	}
	return c, nil
}

func liveAccount(userID uuid.UUID, accountID, instance, token string, updated time.Time) model.LinkedAccount {
	return model.LinkedAccount{
		ID:          uuid.Must(uuid.NewV4()),
		UserID:      userID,
		Provider:    model.ProviderNeoDB,
		AccountID:   accountID,
		AccessToken: token,
		Instance:    instance,
		UpdatedAt:   updated,
	}
}

func newLifecycle(t *testing.T, accs *fakeAccounts, rm *fakeRemote) *TokenLifecycle {
	t.Helper()
	clients := staticClients{
		"https://example.social": {Instance: "https://example.social", ClientID: "cid", ClientSecret: "cs"},
		"https://neodb.test":     {Instance: "https://neodb.test", ClientID: "cid2", ClientSecret: "cs2"},
	}
	return NewTokenLifecycle(accs, clients, rm, 24*time.Hour, 5*time.Minute, nil, zaptest.NewLogger(t))
}

func TestTombstone(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("x", 3*3600))
	got := Tombstone(ts)
	if got != "ACCESS_TOKEN_REDACTED_AT_2024-03-01T09:30:00Z" {
		t.Fatalf("tombstone = %s", got)
	}
	if !IsTombstone(got) || IsTombstone("abc") {
		t.Fatalf("IsTombstone mismatch")
	}
}

func TestRedactAndRevoke(t *testing.T) {
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	t.Run("revoked", func(t *testing.T) {
		a := liveAccount(uid, "@alice@example.social", "example.social", "tok", time.Now())
		accs := newFakeAccounts(a)
		rm := &fakeRemote{}
		tl := newLifecycle(t, accs, rm)
		fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		tl.now = func() time.Time { return fixed }

		o, err := tl.RedactAndRevoke(ctx, a, "test")
		if err != nil || o != OutcomeRevoked {
			t.Fatalf("outcome %s err %v", o, err)
		}
		if len(rm.revoked) != 1 || rm.revoked[0] != "https://example.social|tok" {
			t.Fatalf("revoke calls: %v", rm.revoked)
		}
		got := accs.get(a.ID)
		if got.AccessToken != "ACCESS_TOKEN_REDACTED_AT_2025-01-02T03:04:05Z" || !got.IsTokenRedacted {
			t.Fatalf("account not redacted: %+v", got)
		}
	})

	t.Run("remote failure still redacts", func(t *testing.T) {
		a := liveAccount(uid, "https://example.social/users/alice", "", "tok", time.Now())
		accs := newFakeAccounts(a)
		rm := &fakeRemote{revokeErr: errors.New("502")}
		tl := newLifecycle(t, accs, rm)

		o, err := tl.RedactAndRevoke(ctx, a, "test")
		if err != nil || o != OutcomeRevokeFailed {
			t.Fatalf("outcome %s err %v", o, err)
		}
		if !accs.get(a.ID).IsTokenRedacted {
			t.Fatalf("not redacted after remote failure")
		}
	})

	t.Run("unknown client still redacts", func(t *testing.T) {
		a := liveAccount(uid, "@bob@elsewhere.test", "", "tok", time.Now())
		accs := newFakeAccounts(a)
		rm := &fakeRemote{}
		tl := newLifecycle(t, accs, rm)

		o, _ := tl.RedactAndRevoke(ctx, a, "test")
		if o != OutcomeRevokeFailed || len(rm.revoked) != 0 {
			t.Fatalf("outcome %s revoked %v", o, rm.revoked)
		}
		if !accs.get(a.ID).IsTokenRedacted {
			t.Fatalf("not redacted")
		}
	})

	t.Run("skips dead tokens", func(t *testing.T) {
		rm := &fakeRemote{}
		tl := newLifecycle(t, newFakeAccounts(), rm)
		for _, a := range []model.LinkedAccount{
			liveAccount(uid, "@a@example.social", "", "", time.Now()),
			liveAccount(uid, "@a@example.social", "", Tombstone(time.Now()), time.Now()),
			{AccessToken: "tok", IsTokenRedacted: true},
		} {
			if o, err := tl.RedactAndRevoke(ctx, a, "test"); o != OutcomeSkipped || err != nil {
				t.Fatalf("outcome %s err %v", o, err)
			}
		}
		if len(rm.revoked) != 0 {
			t.Fatalf("revoke called for dead token")
		}
	})

	t.Run("redact failure", func(t *testing.T) {
		a := liveAccount(uid, "@alice@example.social", "example.social", "tok", time.Now())
		accs := newFakeAccounts(a)
		accs.redactErr = errors.New("db down")
		tl := newLifecycle(t, accs, &fakeRemote{})

		o, err := tl.RedactAndRevoke(ctx, a, "test")
		if err == nil || o != OutcomeRedactFailed {
			t.Fatalf("outcome %s err %v", o, err)
		}
	})
}

func TestSweep_OnlyStaleLiveAccounts(t *testing.T) {
	now := time.Now()
	uid := uuid.Must(uuid.NewV4())
	stale := liveAccount(uid, "@alice@example.social", "example.social", "t1", now.Add(-48*time.Hour))
	staleURL := liveAccount(uid, "https://neodb.test/users/bob/", "", "t2", now.Add(-25*time.Hour))
	fresh := liveAccount(uid, "@carol@example.social", "example.social", "t3", now.Add(-time.Hour))
	redacted := liveAccount(uid, "@dan@example.social", "example.social", Tombstone(now), now.Add(-72*time.Hour))
	redacted.IsTokenRedacted = true

	accs := newFakeAccounts(stale, staleURL, fresh, redacted)
	rm := &fakeRemote{}
	tl := newLifecycle(t, accs, rm)

	rep, err := tl.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Redacted != 2 || rep.Failed != 0 || len(rep.Results) != 2 {
		t.Fatalf("report: %+v", rep)
	}
	if len(rm.revoked) != 2 {
		t.Fatalf("revoked: %v", rm.revoked)
	}
	if accs.get(fresh.ID).IsTokenRedacted || accs.get(fresh.ID).AccessToken != "t3" {
		t.Fatalf("fresh account touched")
	}
	if !accs.get(stale.ID).IsTokenRedacted || !accs.get(staleURL.ID).IsTokenRedacted {
		t.Fatalf("stale accounts not redacted")
	}

	// a second sweep finds nothing
	rep, err = tl.Sweep(context.Background())
	if err != nil || len(rep.Results) != 0 {
		t.Fatalf("second sweep: %+v %v", rep, err)
	}
}

func TestSweep_ListError(t *testing.T) {
	accs := newFakeAccounts()
	accs.listErr = errors.New("boom")
	tl := newLifecycle(t, accs, &fakeRemote{})
	if _, err := tl.Sweep(context.Background()); !errs.Is(err, errs.DatabaseUnavailable) {
		t.Fatalf("want database_unavailable, got %v", err)
	}
}

func TestSignOut_RedactsAllAccountsOfUser(t *testing.T) {
	uid := uuid.Must(uuid.NewV4())
	other := uuid.Must(uuid.NewV4())
	a1 := liveAccount(uid, "@alice@example.social", "example.social", "t1", time.Now())
	a2 := liveAccount(uid, "@alice@neodb.test", "neodb.test", "t2", time.Now())
	a3 := liveAccount(other, "@eve@example.social", "example.social", "t3", time.Now())
	accs := newFakeAccounts(a1, a2, a3)
	rm := &fakeRemote{}
	tl := newLifecycle(t, accs, rm)

	rep, err := tl.SignOut(context.Background(), uid)
	if err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if rep.Redacted != 2 {
		t.Fatalf("report: %+v", rep)
	}
	if accs.get(a3.ID).IsTokenRedacted {
		t.Fatalf("other user's account redacted")
	}
}

// racyAccounts loses every MarkRevealed race to a writer that revealed at racedAt.
type racyAccounts struct {
	*fakeAccounts
	racedAt time.Time
}

func (r *racyAccounts) MarkRevealed(ctx context.Context, id uuid.UUID, _ time.Time) (bool, error) {
	_, _ = r.fakeAccounts.MarkRevealed(ctx, id, r.racedAt)
	return false, nil
}

func TestReveal_Window(t *testing.T) {
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())
	a := liveAccount(uid, "@alice@example.social", "example.social", "secret-token", time.Now())
	accs := newFakeAccounts(a)
	tl := newLifecycle(t, accs, &fakeRemote{})

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := t0
	tl.now = func() time.Time { return clock }

	tok, err := tl.Reveal(ctx, uid)
	if err != nil || tok != "secret-token" {
		t.Fatalf("first reveal: %q %v", tok, err)
	}
	if got := accs.get(a.ID).TokenRevealedAt; got == nil || !got.Equal(t0) {
		t.Fatalf("anchor = %v", got)
	}
	updated := accs.get(a.ID).UpdatedAt

	clock = t0.Add(4 * time.Minute)
	if tok, err := tl.Reveal(ctx, uid); err != nil || tok != "secret-token" {
		t.Fatalf("reveal inside window: %q %v", tok, err)
	}
	if got := accs.get(a.ID).TokenRevealedAt; !got.Equal(t0) {
		t.Fatalf("anchor moved to %v", got)
	}

	clock = t0.Add(6 * time.Minute)
	if _, err := tl.Reveal(ctx, uid); !errs.Is(err, errs.ReauthRequired) {
		t.Fatalf("want reauth_required after window, got %v", err)
	}
	if !accs.get(a.ID).UpdatedAt.Equal(updated) {
		t.Fatalf("reveal bumped updated_at")
	}
}

func TestReveal_Denied(t *testing.T) {
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	tl := newLifecycle(t, newFakeAccounts(), &fakeRemote{})
	if _, err := tl.Reveal(ctx, uid); !errs.Is(err, errs.ReauthRequired) {
		t.Fatalf("no account: %v", err)
	}

	a := liveAccount(uid, "@alice@example.social", "example.social", Tombstone(time.Now()), time.Now())
	a.IsTokenRedacted = true
	tl = newLifecycle(t, newFakeAccounts(a), &fakeRemote{})
	if _, err := tl.Reveal(ctx, uid); !errs.Is(err, errs.ReauthRequired) {
		t.Fatalf("redacted: %v", err)
	}
}

func TestReveal_LostAnchorRace(t *testing.T) {
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())
	a := liveAccount(uid, "@alice@example.social", "example.social", "tok", time.Now())
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("winner inside window", func(t *testing.T) {
		accs := &racyAccounts{fakeAccounts: newFakeAccounts(a), racedAt: now.Add(-time.Minute)}
		tl := NewTokenLifecycle(accs, staticClients{}, &fakeRemote{}, time.Hour, 5*time.Minute, nil, nil)
		tl.now = func() time.Time { return now }
		if tok, err := tl.Reveal(ctx, uid); err != nil || tok != "tok" {
			t.Fatalf("got %q %v", tok, err)
		}
	})

	t.Run("winner long ago", func(t *testing.T) {
		accs := &racyAccounts{fakeAccounts: newFakeAccounts(a), racedAt: now.Add(-time.Hour)}
		tl := NewTokenLifecycle(accs, staticClients{}, &fakeRemote{}, time.Hour, 5*time.Minute, nil, nil)
		tl.now = func() time.Time { return now }
		if _, err := tl.Reveal(ctx, uid); !errs.Is(err, errs.ReauthRequired) {
			t.Fatalf("want reauth_required, got %v", err)
		}
	})
}
