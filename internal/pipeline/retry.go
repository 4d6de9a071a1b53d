package pipeline

import (
	"context"
	"fmt"
	"time"
)

// withRetry runs fn up to MaxRetries+1 times with exponential backoff
// between attempts. Cancellation is surfaced immediately and never
// retried.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := o.cfg.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := cause(ctx); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				o.logger.Info().
					Str("op", op).
					Int("attempt", attempt+1).
					Msg("Operation recovered after retry")
			}
			return nil
		}

		if err := cause(ctx); err != nil {
			return err
		}

		if attempt == attempts-1 {
			break
		}

		delay := o.cfg.RetryBase << attempt
		o.logger.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Transient failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// cause returns the context's cancellation cause, or nil while it is
// still live.
func cause(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// send forwards v downstream, honoring cancellation while the channel
// is full. This is the backpressure point between stages.
func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
