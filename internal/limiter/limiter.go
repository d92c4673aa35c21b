// Package limiter throttles repeated failed federation attempts per (instance, client).
package limiter

import (
	"context"
	"time"
)

// Limiter controls attempts and temporary lockouts for a key pair.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and an optional retry-after.
	Allow(ctx context.Context, instance string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful attempt.
	Success(ctx context.Context, instance string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, instance string, ipHash []byte) (bool, time.Duration, error)
}

// Nop allows everything. Used when limiting is disabled.
type Nop struct{}

func (Nop) Allow(context.Context, string, []byte) (bool, time.Duration, error)   { return true, 0, nil }
func (Nop) Success(context.Context, string, []byte) error                        { return nil }
func (Nop) Failure(context.Context, string, []byte) (bool, time.Duration, error) { return false, 0, nil }
