package syncengine

import (
	"context"
	"time"

	"github.com/ymori/kakeibo-sync/internal/logger"
)

// retryPolicy bounds every network operation: a per-attempt timeout, a small
// fixed attempt ceiling and exponential backoff between attempts.
type retryPolicy struct {
	attempts    int
	baseDelay   time.Duration
	callTimeout time.Duration
	sleep       func(context.Context, time.Duration) error
}

func newRetryPolicy(attempts int, baseDelay, callTimeout time.Duration) retryPolicy {
	return retryPolicy{
		attempts:    attempts,
		baseDelay:   baseDelay,
		callTimeout: callTimeout,
		sleep:       sleepCtx,
	}
}

// do runs fn until it succeeds, fails permanently, or the attempt ceiling is
// reached. Schema rejections short-circuit; exhausting the ceiling yields a
// BatchFailure.
func (p retryPolicy) do(ctx context.Context, op string, fn func(context.Context) error) error {
	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if p.callTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.callTimeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if isSchemaRejection(err) {
			return &SchemaError{Op: op, Err: err}
		}
		if !isTransient(err) {
			return err
		}
		if attempt == p.attempts {
			break
		}

		backoff := p.baseDelay << (attempt - 1)
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Transient failure, retrying")
		if err := p.sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return &BatchFailure{Op: op, Attempts: p.attempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
