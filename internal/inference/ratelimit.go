package inference

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	Engine
	limiter *rate.Limiter
}

// RateLimited wraps engine with a token bucket shared by every caller of the
// returned engine. Waiting honours the request context.
func RateLimited(engine Engine, rps float64, burst int) Engine {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{
		Engine:  engine,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *rateLimited) Infer(ctx context.Context, req *Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// The limiter refuses up front when the wait would outlive the deadline
		return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return r.Engine.Infer(ctx, req)
}
