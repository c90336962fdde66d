package worker

import (
	"context"
	"errors"
	"time"

	"chanfetch/internal/media"
	logx "chanfetch/pkg/logx"
)

// RetryPolicy retries transient reference failures with exponential delays:
// the wait before retry k (0-indexed) is BaseDelay * 2^k.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	// Sleep waits for d or until ctx is done. Nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second}
}

func (p RetryPolicy) delay(retry int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	return base << uint(retry)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails permanently or attempts run out.
// Only media.IsTransientReference errors are retried; cancellation never is.
func (p RetryPolicy) Do(ctx context.Context, log logx.Logger, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		log.Debug("download attempt", logx.Int("attempt", attempt+1), logx.Int("max_attempts", attempts))
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, media.ErrCancelled) || !media.IsTransientReference(err) {
			log.Debug("download attempt failed; not retrying", logx.Int("attempt", attempt+1), logx.Err(err))
			return err
		}
		if attempt == attempts-1 {
			break
		}
		d := p.delay(attempt)
		log.Warn("download attempt failed; retrying", logx.Int("attempt", attempt+1), logx.Duration("delay", d), logx.Err(err))
		if serr := p.sleep(ctx, d); serr != nil {
			return errors.Join(err, serr)
		}
	}
	log.Warn("download failed after retries", logx.Int("attempts", attempts), logx.Err(err))
	return err
}
