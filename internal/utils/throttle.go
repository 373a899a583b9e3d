package utils

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// throttle is an http.RoundTripper limiting outbound requests with a token
// bucket. Body reads are not limited, only request starts.
type throttle struct {
	limiter *rate.Limiter
	next    http.RoundTripper
}

func NewThrottle(rps, burst int, next http.RoundTripper) http.RoundTripper {
	if burst <= 0 {
		burst = max(rps, 1)
	}
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		next:    next,
	}
}

func (t *throttle) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	if !t.limiter.Allow() {
		start := time.Now()
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("throttle wait: %w", err)
		}
		log.Debug().Str("op", "utils/throttle").Msgf("waited %s before %s %s", time.Since(start).Round(time.Millisecond), r.Method, r.URL.Path)
	}
	return t.next.RoundTrip(r)
}
