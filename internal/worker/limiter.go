package worker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ppiankov/concord/internal/model"
)

const defaultBurst = 5

// Limiter bounds collaborator calls for the whole process.
// Every call passes the global bucket; collaborators with their own cap also pass theirs.
type Limiter struct {
	global        *rate.Limiter
	collaborators map[string]*rate.Limiter
	mu            sync.RWMutex
}

// NewLimiter creates a limiter. A non-positive rate disables the global bound.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = defaultBurst
	}

	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}

	return &Limiter{
		global:        rate.NewLimiter(limit, burst),
		collaborators: make(map[string]*rate.Limiter),
	}
}

// LimiterFromConfig creates the process limiter with its per-collaborator caps
func LimiterFromConfig(cfg model.RateLimitingConfig) *Limiter {
	l := NewLimiter(cfg.RequestsPerSecond, cfg.BurstSize)
	for key, rps := range cfg.Collaborators {
		l.SetRate(key, rps, 0)
	}
	return l
}

// Wait blocks until a call to the named collaborator may proceed
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	if limiter := l.collaborator(key); limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

// Allow reports whether a call may proceed now, consuming a token if so
func (l *Limiter) Allow(key string) bool {
	if limiter := l.collaborator(key); limiter != nil && !limiter.Allow() {
		return false
	}
	return l.global.Allow()
}

func (l *Limiter) collaborator(key string) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collaborators[key]
}

// SetRate caps one collaborator. A non-positive burst reuses the global burst.
func (l *Limiter) SetRate(key string, requestsPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if burst <= 0 {
		burst = l.global.Burst()
	}
	l.collaborators[key] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}
