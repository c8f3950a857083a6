package plugin

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/domain"
)

// RetryPolicy bounds the exponential backoff applied to transient provider
// failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches typical public-API rate behavior.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Retry runs fn, retrying transient failures with exponential backoff and
// jitter. Permanent errors and context cancellation abort immediately.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !domain.IsTransient(err) || attempt == policy.MaxAttempts {
			return err
		}

		delay := policy.BaseDelay << (attempt - 1)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		// Full jitter keeps concurrent retries from synchronizing.
		delay = time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)

		log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).
			Msg("transient provider error, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
