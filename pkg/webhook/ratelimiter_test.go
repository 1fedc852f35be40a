package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterCheckLimit(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	defer rl.Stop()

	ip := "192.168.1.1"
	for i := 0; i < 5; i++ {
		assert.True(t, rl.CheckLimit(ip), "Request %d should be allowed", i+1)
	}
	assert.False(t, rl.CheckLimit(ip), "6th request should be denied")
	assert.True(t, rl.CheckLimit("192.168.1.2"), "other IPs are independent")
}

func TestRateLimiterWindowSlides(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.CheckLimit("ip"))
	assert.False(t, rl.CheckLimit("ip"))
	assert.Equal(t, 60, rl.GetRetryAfter("ip"))

	now = now.Add(61 * time.Second)
	assert.Equal(t, 0, rl.GetRetryAfter("ip"))
	assert.True(t, rl.CheckLimit("ip"))
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	rl.Stop()
	rl.Stop()
}
