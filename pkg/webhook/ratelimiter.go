package webhook

import (
	"sync"
	"time"
)

// RateLimiter implements per-IP rate limiting with a sliding window
type RateLimiter struct {
	limits      map[string][]time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time
	mu          sync.Mutex
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a limiter allowing maxRequests per window per IP
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limits:      make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go rl.runCleanup(5 * time.Minute)
	return rl
}

// CheckLimit records a request from ip and reports whether it is allowed
func (rl *RateLimiter) CheckLimit(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.pruneLocked(ip, now)
	if len(recent) >= rl.maxRequests {
		return false
	}
	rl.limits[ip] = append(recent, now)
	return true
}

// GetRetryAfter returns the seconds until ip may send again
func (rl *RateLimiter) GetRetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	requests := rl.limits[ip]
	if len(requests) == 0 {
		return 0
	}
	wait := rl.window - rl.now().Sub(requests[0])
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Second - 1) / time.Second)
}

func (rl *RateLimiter) pruneLocked(ip string, now time.Time) []time.Time {
	requests := rl.limits[ip]
	kept := requests[:0]
	for _, at := range requests {
		if now.Sub(at) < rl.window {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(rl.limits, ip)
		return nil
	}
	rl.limits[ip] = kept
	return kept
}

func (rl *RateLimiter) runCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for ip := range rl.limits {
				rl.pruneLocked(ip, now)
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
