package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MaxAuthAttempts is how many bad signatures a client may send before the
// connection is closed.
const MaxAuthAttempts = 3

const challengeBytes = 32

// SignChallenge returns the hex HMAC-SHA256 of challenge under secret. Agents
// answer auth.challenge with it.
func SignChallenge(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func newChallenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// challengeAuth runs the bridge handshake: the server sends a random
// challenge and the agent proves it holds the shared secret by returning
// SignChallenge of it.
type challengeAuth struct {
	secret string
}

func newChallengeAuth(secret string) *challengeAuth {
	return &challengeAuth{secret: secret}
}

func (a *challengeAuth) valid(challenge, signature string) bool {
	want, err := hex.DecodeString(SignChallenge(a.secret, challenge))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// issue stores a fresh challenge on c and returns it.
func (a *challengeAuth) issue(c *Client) (string, error) {
	challenge, err := newChallenge()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.challenge = challenge
	c.state = StateAuthenticating
	c.mu.Unlock()
	return challenge, nil
}

// answer checks signature against the challenge issued to c. The bool is
// true once c has used up MaxAuthAttempts.
func (a *challengeAuth) answer(c *Client, signature string) (AuthResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.challenge == "":
		return authFailure("No challenge found"), false
	case !a.valid(c.challenge, signature):
		c.authAttempts++
		if c.authAttempts >= MaxAuthAttempts {
			return authFailure("Too many failed attempts"), true
		}
		return authFailure("Invalid signature"), false
	}

	c.authenticated = true
	c.state = StateAuthenticated
	c.authAttempts = 0
	c.challenge = ""
	return AuthResult{Event: "auth.success", Success: true}, false
}

func authFailure(msg string) AuthResult {
	return AuthResult{Event: "auth.failure", Message: msg}
}
