package fetch

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBackoff    = 250 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
)

// Retrying retries a Fetcher with exponential backoff.
type Retrying struct {
	next     Fetcher
	attempts int
	backoff  time.Duration
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Retry wraps next. attempts counts the first try; values below 2 return
// next unchanged.
func Retry(next Fetcher, attempts int, backoff time.Duration, logger *zap.Logger) Fetcher {
	if attempts < 2 {
		return next
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{
		next:     next,
		attempts: attempts,
		backoff:  backoff,
		log:      logger,
		sleep:    sleepCtx,
	}
}

func (r *Retrying) Fetch(ctx context.Context, rawURL string) (*Module, error) {
	delay := r.backoff
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		var mod *Module
		mod, err = r.next.Fetch(ctx, rawURL)
		if err == nil {
			return mod, nil
		}
		if attempt == r.attempts || !Retryable(err) || ctx.Err() != nil {
			return nil, err
		}

		r.log.Warn("fetch failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		if serr := r.sleep(ctx, delay); serr != nil {
			return nil, err
		}
		delay *= backoffMultiplier
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
	return nil, err
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTooLarge) || errors.Is(err, ErrUnsupportedScheme) || errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, os.ErrNotExist) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
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
