package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over any pgx querier.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Allow reports whether an attempt is allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, instance string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE instance=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, instance, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if wait := time.Until(blockedUntil); wait > 0 {
			return false, wait, nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (instance, ip).
func (l *PG) Success(ctx context.Context, instance string, ipHash []byte) error {
	const q = `
INSERT INTO auth_limiter (instance, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (instance, ip_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, instance, ipHash)
	return err
}

// Failure records a failed attempt; blocks once maxFails is reached within the window.
func (l *PG) Failure(ctx context.Context, instance string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter (instance, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (instance, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - auth_limiter.updated_at > $3::interval THEN 1 ELSE auth_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, instance, ipHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE auth_limiter SET blocked_until=$3 WHERE instance=$1 AND ip_hash=$2`
	if _, err := l.pool.Exec(ctx, upd, instance, ipHash, time.Now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
