package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"
)

// SignHMAC returns "<algorithm>=<hex hmac>" of body under secret. Supported
// algorithms are sha256 and sha1; anything else yields "".
func SignHMAC(body []byte, secret, algorithm string) string {
	var fn func() hash.Hash
	switch algorithm {
	case "sha256":
		fn = sha256.New
	case "sha1":
		fn = sha1.New
	default:
		return ""
	}
	h := hmac.New(fn, []byte(secret))
	h.Write(body)
	return algorithm + "=" + hex.EncodeToString(h.Sum(nil))
}

// VerifyHMAC checks a signature header in "<algorithm>=<hex>" form.
func VerifyHMAC(body []byte, header, secret string) bool {
	algorithm, _, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || secret == "" {
		return false
	}
	expected := SignHMAC(body, secret, strings.ToLower(algorithm))
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(strings.TrimSpace(header))), []byte(expected)) == 1
}
