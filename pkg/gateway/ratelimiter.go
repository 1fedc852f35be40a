package gateway

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerMinute = 120
	defaultMaxConcurrent     = 16
)

// ClientRateLimiter bounds one agent's request rate and in-flight calls.
type ClientRateLimiter struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	maxConcurrent int
	concurrent    int
}

// NewClientRateLimiter creates a rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(defaultRequestsPerMinute, defaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// The full per-minute budget is available as a burst.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), requestsPerMinute),
		maxConcurrent: maxConcurrent,
	}
}

// Errors returned by Acquire. Their text is sent to the agent.
var (
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
	ErrRateLimited       = errors.New("rate limit exceeded")
)

// Acquire admits one request. Admitted requests must call Release.
func (r *ClientRateLimiter) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent >= r.maxConcurrent {
		return ErrTooManyConcurrent
	}
	if !r.limiter.Allow() {
		return ErrRateLimited
	}
	r.concurrent++
	return nil
}

// Release ends a request admitted by Acquire.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent > 0 {
		r.concurrent--
	}
}

// InFlight returns the number of admitted, unreleased requests.
func (r *ClientRateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrent
}
