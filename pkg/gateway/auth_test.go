package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignChallenge(t *testing.T) {
	a := newChallengeAuth("bridge-secret")
	sig := SignChallenge("bridge-secret", "abc")

	assert.Len(t, sig, 64)
	assert.True(t, a.valid("abc", sig))
	assert.True(t, a.valid("abc", strings.ToUpper(sig)), "hex case does not matter")
	assert.False(t, a.valid("abc", SignChallenge("other-secret", "abc")))
	assert.False(t, a.valid("abd", sig))
	assert.False(t, a.valid("abc", "not-hex"))
}

func TestChallengeAuth_Issue(t *testing.T) {
	a := newChallengeAuth("bridge-secret")
	c1, c2 := &Client{ID: "one"}, &Client{ID: "two"}

	first, err := a.issue(c1)
	require.NoError(t, err)
	second, err := a.issue(c2)
	require.NoError(t, err)

	assert.Len(t, first, 2*challengeBytes)
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, c1.challenge)
	assert.Equal(t, StateAuthenticating, c1.state)
}

func TestChallengeAuth_Answer(t *testing.T) {
	a := newChallengeAuth("bridge-secret")

	t.Run("valid signature authenticates", func(t *testing.T) {
		c := &Client{ID: "agent", authAttempts: 1}
		challenge, err := a.issue(c)
		require.NoError(t, err)

		res, exhausted := a.answer(c, SignChallenge("bridge-secret", challenge))
		assert.Equal(t, AuthResult{Event: "auth.success", Success: true}, res)
		assert.False(t, exhausted)
		assert.True(t, c.IsAuthenticated())
		assert.Equal(t, StateAuthenticated, c.state)
		assert.Zero(t, c.authAttempts)
		assert.Empty(t, c.challenge, "a challenge is single use")
	})

	tests := []struct {
		name      string
		client    *Client
		message   string
		exhausted bool
		attempts  int
	}{
		{"bad signature", &Client{challenge: "c"}, "Invalid signature", false, 1},
		{"last attempt", &Client{challenge: "c", authAttempts: MaxAuthAttempts - 1}, "Too many failed attempts", true, MaxAuthAttempts},
		{"no challenge", &Client{}, "No challenge found", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, exhausted := a.answer(tt.client, "deadbeef")
			assert.Equal(t, authFailure(tt.message), res)
			assert.Equal(t, tt.exhausted, exhausted)
			assert.Equal(t, tt.attempts, tt.client.authAttempts)
			assert.False(t, tt.client.IsAuthenticated())
		})
	}
}
