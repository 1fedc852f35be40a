package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_ConcurrencyCap(t *testing.T) {
	l := NewClientRateLimiterWithLimits(100, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire())
	}
	assert.Equal(t, 3, l.InFlight())
	assert.ErrorIs(t, l.Acquire(), ErrTooManyConcurrent)

	l.Release()
	assert.NoError(t, l.Acquire(), "a released slot is reusable")
}

func TestClientRateLimiter_RateCap(t *testing.T) {
	l := NewClientRateLimiterWithLimits(5, 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire())
		l.Release()
	}
	assert.ErrorIs(t, l.Acquire(), ErrRateLimited)
	assert.Zero(t, l.InFlight(), "refused requests hold no slot")
}

func TestClientRateLimiter_ReleaseNeverNegative(t *testing.T) {
	l := NewClientRateLimiter()
	l.Release()
	l.Release()
	assert.Zero(t, l.InFlight())

	require.NoError(t, l.Acquire())
	assert.Equal(t, 1, l.InFlight())
}
