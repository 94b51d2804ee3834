package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// RetryPolicy bounds SendWithRetry.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	// Sleep waits between attempts. nil uses a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// DefaultRetryPolicy is five attempts with 2s, 4s, 8s, 16s waits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialDelay: 2 * time.Second, Multiplier: 2}
}

// Delay returns the wait after the given 1-based attempt:
// InitialDelay * Multiplier^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
}

// SendWithRetry sends msg through s, retrying transient failures. It stops
// early on validation and permanent errors and when ctx is done. The body is
// truncated to the sender's limit first.
func SendWithRetry(ctx context.Context, s Sender, msg Message, p RetryPolicy) (Result, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	msg.Body = Truncate(msg.Body, s.MaxLength())

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		res, err := s.Send(ctx, msg)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !Retryable(err) {
			return Result{}, err
		}

		if attempt < p.MaxAttempts {
			delay := p.Delay(attempt)
			logger.Warn("send failed, retrying",
				"channel", s.Name(), "attempt", attempt, "max_attempts", p.MaxAttempts,
				"delay", delay, "error", err)
			if err := sleep(ctx, delay); err != nil {
				return Result{}, fmt.Errorf("send via %s: %w (last error: %v)", s.Name(), err, lastErr)
			}
		}
	}

	return Result{}, fmt.Errorf("failed after %d attempts. Last error: %w", p.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
