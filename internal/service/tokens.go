package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/metrics"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// TombstonePrefix starts every redacted access token value.
const TombstonePrefix = "ACCESS_TOKEN_REDACTED_AT_"

const revokeTimeout = 10 * time.Second

// Tombstone returns the redaction marker for time t.
func Tombstone(t time.Time) string {
	return TombstonePrefix + t.UTC().Format(time.RFC3339)
}

// IsTombstone reports whether token is a redaction marker.
func IsTombstone(token string) bool {
	return strings.HasPrefix(token, TombstonePrefix)
}

// Revoker invalidates a token on its instance.
type Revoker interface {
	Revoke(ctx context.Context, origin, clientID, clientSecret, token string) error
}

// ClientLookup resolves the registered client of an origin.
type ClientLookup interface {
	Lookup(ctx context.Context, origin string) (model.RemoteClient, error)
}

// RevokeOutcome describes what happened to one account.
type RevokeOutcome string

// Revoke outcomes. Remote revocation failures still redact locally.
const (
	OutcomeSkipped      RevokeOutcome = "skipped"
	OutcomeRevoked      RevokeOutcome = "revoked"
	OutcomeRevokeFailed RevokeOutcome = "revoke_failed"
	OutcomeRedactFailed RevokeOutcome = "redact_failed"
)

// SweepResult is the per-account result of a bulk revocation.
type SweepResult struct {
	AccountID uuid.UUID
	Outcome   RevokeOutcome
	Err       error
}

// SweepReport aggregates a bulk revocation. Redacted counts every account
// whose token was overwritten, whether or not the remote call succeeded.
type SweepReport struct {
	Results  []SweepResult
	Redacted int
	Failed   int
	Skipped  int
}

func (r *SweepReport) add(id uuid.UUID, o RevokeOutcome, err error) {
	r.Results = append(r.Results, SweepResult{AccountID: id, Outcome: o, Err: err})
	switch o {
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeRedactFailed:
		r.Failed++
	default:
		r.Redacted++
	}
}

// TokenLifecycle revokes, redacts and reveals stored access tokens.
type TokenLifecycle struct {
	accounts     repository.AccountRepository
	clients      ClientLookup
	revoker      Revoker
	staleAfter   time.Duration
	revealWindow time.Duration
	metrics      *metrics.Metrics
	log          *zap.Logger
	now          func() time.Time
}

// NewTokenLifecycle constructs the lifecycle service.
func NewTokenLifecycle(accounts repository.AccountRepository, clients ClientLookup, revoker Revoker, staleAfter, revealWindow time.Duration, m *metrics.Metrics, log *zap.Logger) *TokenLifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenLifecycle{
		accounts:     accounts,
		clients:      clients,
		revoker:      revoker,
		staleAfter:   staleAfter,
		revealWindow: revealWindow,
		metrics:      m,
		log:          log,
		now:          time.Now,
	}
}

// RedactAndRevoke revokes the account's token remotely and overwrites it
// with a tombstone. Accounts without a live token are skipped.
func (t *TokenLifecycle) RedactAndRevoke(ctx context.Context, a model.LinkedAccount, trigger string) (RevokeOutcome, error) {
	if a.AccessToken == "" || a.IsTokenRedacted || IsTombstone(a.AccessToken) {
		return OutcomeSkipped, nil
	}

	outcome := OutcomeRevoked
	if err := t.revoke(ctx, a); err != nil {
		t.log.Warn("remote revoke failed",
			zap.String("account", a.ID.String()),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		outcome = OutcomeRevokeFailed
	}

	if err := t.accounts.Redact(ctx, a.ID, Tombstone(t.now())); err != nil {
		t.metrics.Redaction(trigger, string(OutcomeRedactFailed))
		return OutcomeRedactFailed, err
	}
	t.metrics.Redaction(trigger, string(outcome))
	return outcome, nil
}

func (t *TokenLifecycle) revoke(ctx context.Context, a model.LinkedAccount) error {
	origin, ok := AccountOrigin(a)
	if !ok {
		return errors.New("cannot derive instance of " + a.AccountID)
	}
	c, err := t.clients.Lookup(ctx, origin)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()
	return t.revoker.Revoke(ctx, origin, c.ClientID, c.ClientSecret, a.AccessToken)
}

// SignOut redacts every linked account of userID.
func (t *TokenLifecycle) SignOut(ctx context.Context, userID uuid.UUID) (SweepReport, error) {
	accs, err := t.accounts.ListByUser(ctx, userID, model.ProviderNeoDB)
	if err != nil {
		return SweepReport{}, errs.E(errs.DatabaseUnavailable, err)
	}
	return t.redactAll(ctx, accs, "sign_out"), nil
}

// Sweep redacts every unredacted account idle for longer than the stale threshold.
func (t *TokenLifecycle) Sweep(ctx context.Context) (SweepReport, error) {
	accs, err := t.accounts.ListStale(ctx, model.ProviderNeoDB, t.now().Add(-t.staleAfter))
	if err != nil {
		return SweepReport{}, errs.E(errs.DatabaseUnavailable, err)
	}
	rep := t.redactAll(ctx, accs, "sweep")
	t.log.Info("stale token sweep",
		zap.Int("found", len(accs)),
		zap.Int("redacted", rep.Redacted),
		zap.Int("failed", rep.Failed),
		zap.Int("skipped", rep.Skipped),
	)
	return rep, nil
}

func (t *TokenLifecycle) redactAll(ctx context.Context, accs []model.LinkedAccount, trigger string) SweepReport {
	var rep SweepReport
	for _, a := range accs {
		o, err := t.RedactAndRevoke(ctx, a, trigger)
		if err != nil {
			t.log.Error("redact token", zap.String("account", a.ID.String()), zap.Error(err))
		}
		rep.add(a.ID, o, err)
	}
	return rep
}

// Reveal returns the user's live access token. The first reveal opens a
// window; later reveals succeed only while it lasts.
func (t *TokenLifecycle) Reveal(ctx context.Context, userID uuid.UUID) (string, error) {
	a, err := t.accounts.GetForUser(ctx, userID, model.ProviderNeoDB)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", errs.E(errs.ReauthRequired, err)
		}
		return "", errs.E(errs.DatabaseUnavailable, err)
	}
	if !a.HasUsableToken() || IsTombstone(a.AccessToken) {
		return "", errs.E(errs.ReauthRequired, nil)
	}

	now := t.now()
	if a.TokenRevealedAt == nil {
		won, err := t.accounts.MarkRevealed(ctx, a.ID, now)
		if err != nil {
			return "", errs.E(errs.DatabaseUnavailable, err)
		}
		if won {
			return a.AccessToken, nil
		}
		// a concurrent reveal set the anchor first
		a, err = t.accounts.GetByProviderAccount(ctx, a.Provider, a.AccountID)
		if err != nil {
			return "", errs.E(errs.DatabaseUnavailable, err)
		}
		if a.TokenRevealedAt == nil || !a.HasUsableToken() {
			return "", errs.E(errs.ReauthRequired, nil)
		}
	}

	if now.Sub(*a.TokenRevealedAt) > t.revealWindow {
		return "", errs.E(errs.ReauthRequired, nil)
	}
	return a.AccessToken, nil
}
