package dispatcher

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/thalesfsp/protein/models"
)

// RateLimitedDispatcher spaces out dispatches of the wrapped backend
type RateLimitedDispatcher struct {
	next    Dispatcher
	limiter *rate.Limiter
}

// RateLimited wraps d so that at most rps jobs start per second, with bursts
// of up to burst jobs.
func RateLimited(d Dispatcher, rps float64, burst int) *RateLimitedDispatcher {
	if burst < 1 {
		burst = 1
	}

	return &RateLimitedDispatcher{
		next:    d,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Dispatch waits for a token, then dispatches
func (r *RateLimitedDispatcher) Dispatch(ctx context.Context, job models.JobDefinition) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	return r.next.Dispatch(ctx, job)
}

// Cancel forwards to the wrapped backend
func (r *RateLimitedDispatcher) Cancel(ctx context.Context, dispatchID string) error {
	c, ok := r.next.(Canceler)
	if !ok {
		return ErrCancelUnsupported
	}

	return c.Cancel(ctx, dispatchID)
}

// Unwrap returns the wrapped backend
func (r *RateLimitedDispatcher) Unwrap() Dispatcher {
	return r.next
}
