package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"test": "data"}`)

	sig := SignHMAC(body, "my-secret-key", "sha256")
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, VerifyHMAC(body, sig, "my-secret-key"))
	assert.True(t, VerifyHMAC(body, strings.ToUpper(sig[:6])+sig[6:], "my-secret-key"))

	assert.False(t, VerifyHMAC(body, "sha256=invalid", "my-secret-key"))
	assert.False(t, VerifyHMAC(body, sig, "wrong-secret"))
	assert.False(t, VerifyHMAC([]byte("different"), sig, "my-secret-key"))
	assert.False(t, VerifyHMAC(body, sig, ""))
	assert.False(t, VerifyHMAC(body, "nohash", "my-secret-key"))
}

func TestVerifyHMAC_SHA1(t *testing.T) {
	body := []byte("payload")
	sig := SignHMAC(body, "k", "sha1")
	assert.True(t, VerifyHMAC(body, sig, "k"))
	assert.Empty(t, SignHMAC(body, "k", "md5"))
}
