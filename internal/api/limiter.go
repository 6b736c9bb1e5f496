package api

import (
	"sync"

	"golang.org/x/time/rate"

	"taskmirror/internal/config"
)

type rateLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	cfg      config.APIConfig
}

func newRateLimiter(cfg config.APIConfig) *rateLimiter {
	return &rateLimiter{cfg: cfg}
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := l.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(l.cfg.RateLimit.RPS), burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}
