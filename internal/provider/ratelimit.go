// internal/provider/ratelimit.go
package provider

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// RateLimitedProvider throttles calls to an underlying provider.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps p with a token-bucket limiter. ratePerMinute <= 0
// disables throttling.
func NewRateLimited(p Provider, ratePerMinute, burst int) (*RateLimitedProvider, error) {
	if p == nil {
		return nil, errors.New("provider is required")
	}
	limit := rate.Inf
	if ratePerMinute > 0 {
		limit = rate.Limit(float64(ratePerMinute) / 60.0)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimitedProvider{
		inner:   p,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Generate waits for a token then delegates. A wait cut short by the
// context comes back as a transient failure so the engine backs off.
func (p *RateLimitedProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient("rate limit wait", err)
	}
	return p.inner.Generate(ctx, req)
}
