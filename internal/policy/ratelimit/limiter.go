// Package ratelimit spaces out navigations to the same host with per-host
// token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Config holds rate limiter configuration. A non-positive HostRPS disables
// limiting.
type Config struct {
	HostRPS   float64
	HostBurst int
}

// DelayObserver records how long a task waited for its host's token.
type DelayObserver interface {
	ObserveRateLimitDelay(host string, d time.Duration)
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	observer DelayObserver
}

// New creates a Limiter. observer may be nil.
func New(cfg Config, observer DelayObserver) *Limiter {
	r := rate.Limit(cfg.HostRPS)
	if cfg.HostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.HostBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		observer: observer,
	}
}

// Wait blocks until a token is available for the host of rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not worth a sample.
	if d := time.Since(start); d > time.Millisecond && l.observer != nil {
		l.observer.ObserveRateLimitDelay(host, d)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// Runner executes one task. navigator.Controller satisfies it.
type Runner interface {
	Run(ctx context.Context, task monitor.Task) (monitor.Result, error)
}

// Pipeline waits for the target host's token before delegating to next.
type Pipeline struct {
	limiter *Limiter
	next    Runner
}

// Wrap returns next gated by limiter.
func Wrap(limiter *Limiter, next Runner) *Pipeline {
	return &Pipeline{limiter: limiter, next: next}
}

// Run implements scheduler.Pipeline.
func (p *Pipeline) Run(ctx context.Context, task monitor.Task) (monitor.Result, error) {
	if err := p.limiter.Wait(ctx, task.TargetURL); err != nil {
		return monitor.Result{}, err
	}
	return p.next.Run(ctx, task)
}
