package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles a provider to its configured sends per second.
type Limited struct {
	Provider
	limiter *rate.Limiter
}

// NewLimited wraps p with a token bucket of perSecond, bursting to one
// second's worth of sends.
func NewLimited(p Provider, perSecond float64) *Limited {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Limited{Provider: p, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Send waits for a token, then sends. A wait cut short by ctx is a
// retryable rate limit failure.
func (l *Limited) Send(ctx context.Context, d *Delivery) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, &Error{Code: CodeRateLimited, Message: err.Error(), Retryable: true}
	}
	return l.Provider.Send(ctx, d)
}

// Unwrap returns the throttled provider.
func (l *Limited) Unwrap() Provider {
	return l.Provider
}
