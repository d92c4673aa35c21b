// Package worker runs the periodic maintenance of linked accounts and auth states.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/neodb-bridge/internal/service"
	"go.uber.org/zap"
)

// TokenSweeper redacts stale tokens.
type TokenSweeper interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
}

// StatePurger drops expired authorization states.
type StatePurger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper periodically sweeps stale tokens and purges expired states.
type Sweeper struct {
	tokens   TokenSweeper
	states   StatePurger
	interval time.Duration
	stateTTL time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewSweeper constructs a sweeper. A zero stateTTL disables purging.
func NewSweeper(tokens TokenSweeper, states StatePurger, interval, stateTTL time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		tokens:   tokens,
		states:   states,
		interval: interval,
		stateTTL: stateTTL,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
// A non-positive interval returns at once.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.log.Info("sweeper disabled")
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass. Both steps run even if one fails.
func (s *Sweeper) RunOnce(ctx context.Context) (service.SweepReport, error) {
	rep, sweepErr := s.tokens.Sweep(ctx)

	var purgeErr error
	if s.states != nil && s.stateTTL > 0 {
		n, err := s.states.PurgeExpired(ctx, s.now().Add(-s.stateTTL))
		if err != nil {
			purgeErr = err
		} else if n > 0 {
			s.log.Info("purged auth states", zap.Int64("count", n))
		}
	}
	return rep, errors.Join(sweepErr, purgeErr)
}
