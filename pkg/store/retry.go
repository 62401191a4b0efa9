package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
)

// Postgres SQLSTATE codes that mean "run the transaction again".
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// RetryPolicy controls how aborted serializable transactions are re-run.
//
// Retry schedule (default): 0 ms, 10 ms, 20 ms, 40 ms, 80 ms plus up to 30% jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// JitterFactor is the fraction of each delay added at random. Zero means
	// the default; set DisableJitter for a fixed schedule.
	JitterFactor  float64
	DisableJitter bool
	// OnRetry is called before each re-run with the attempt about to start (2..MaxAttempts).
	OnRetry func(attempt int, err error)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	} else if p.BaseDelay == 0 {
		p.BaseDelay = defaultBaseDelay
	}
	switch {
	case p.DisableJitter:
		p.JitterFactor = 0
	case p.JitterFactor <= 0 || p.JitterFactor > 1:
		p.JitterFactor = defaultJitterFactor
	}
	return p
}

// runWithRetry executes fn, re-running it with exponential backoff only while it
// fails with a serialization failure. Every other error is returned as is.
func runWithRetry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if policy.OnRetry != nil {
				policy.OnRetry(attempt+1, lastErr)
			}
			delay := policy.BaseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * policy.JitterFactor //nolint:gosec // jitter only
			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsSerializationFailure(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, policy.MaxAttempts, lastErr)
}

// IsSerializationFailure reports whether err is a Postgres serialization failure or deadlock.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}
