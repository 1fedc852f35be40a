// Package envelope implements the signed, AES-encrypted webhook envelope used by
// encrypted-webhook chat platforms.
//
// A sealed payload is laid out as
//
//	random(16) | uint32 big-endian length | payload | receiverID
//
// padded with PKCS#7 to a 32 byte block and encrypted with AES-256-CBC using
// the first 16 bytes of the key as IV.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	keySize     = 32
	prefixSize  = 16
	lengthSize  = 4
	paddingSize = 32
)

var (
	// ErrInvalidKey is returned when the encoding key does not decode to 32 bytes.
	ErrInvalidKey = errors.New("envelope: invalid encoding key")
	// ErrMalformed is returned for ciphertext that cannot be decoded or has a broken layout.
	ErrMalformed = errors.New("envelope: malformed ciphertext")
	// ErrInvalidPadding is returned when PKCS#7 padding does not verify.
	ErrInvalidPadding = errors.New("envelope: invalid padding")
	// ErrReceiverMismatch is returned when the trailing receiver id does not match.
	ErrReceiverMismatch = errors.New("envelope: receiver id mismatch")
)

// Sealed is an encrypted payload together with its transport signature.
type Sealed struct {
	Encrypt   string
	Signature string
	Timestamp string
	Nonce     string
}

// Codec signs, verifies, encrypts and decrypts envelopes for one account.
type Codec struct {
	token      string
	key        []byte
	iv         []byte
	receiverID string
	rand       io.Reader
}

// Signature returns the hex SHA-1 of the sorted concatenation of its inputs.
func Signature(token, timestamp, nonce, ciphertext string) string {
	parts := []string{token, timestamp, nonce, ciphertext}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// DecodeKey decodes a 43 character encoding key into the raw AES key.
func DecodeKey(encodingAESKey string) ([]byte, error) {
	trimmed := strings.TrimSpace(encodingAESKey)
	if trimmed == "" {
		return nil, ErrInvalidKey
	}
	key, err := base64.StdEncoding.DecodeString(trimmed + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	return key, nil
}

// NewCodec creates a Codec for the given token, encoding key and receiver id.
func NewCodec(token, encodingAESKey, receiverID string) (*Codec, error) {
	key, err := DecodeKey(encodingAESKey)
	if err != nil {
		return nil, err
	}
	return &Codec{
		token:      token,
		key:        key,
		iv:         key[:aes.BlockSize],
		receiverID: receiverID,
		rand:       rand.Reader,
	}, nil
}

// ReceiverID returns the tenant id the codec binds envelopes to.
func (c *Codec) ReceiverID() string {
	return c.receiverID
}

// Sign computes the signature of a ciphertext with the codec's token.
func (c *Codec) Sign(timestamp, nonce, ciphertext string) string {
	return Signature(c.token, timestamp, nonce, ciphertext)
}

// Verify reports whether signature matches the ciphertext under the codec's token.
func (c *Codec) Verify(signature, timestamp, nonce, ciphertext string) bool {
	if signature == "" {
		return false
	}
	expected := c.Sign(timestamp, nonce, ciphertext)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

// Decrypt opens a base64 ciphertext and returns the payload. The trailing
// receiver id must equal the codec's receiver id.
func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrMalformed, len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain, paddingSize)
	if err != nil {
		return nil, err
	}
	if len(plain) < prefixSize+lengthSize {
		return nil, ErrMalformed
	}

	n := int(binary.BigEndian.Uint32(plain[prefixSize : prefixSize+lengthSize]))
	start := prefixSize + lengthSize
	if n < 0 || start+n > len(plain) {
		return nil, ErrMalformed
	}
	payload := plain[start : start+n]
	receiver := plain[start+n:]

	if c.receiverID != "" && subtle.ConstantTimeCompare(receiver, []byte(c.receiverID)) != 1 {
		return nil, ErrReceiverMismatch
	}
	return bytes.Clone(payload), nil
}

// Encrypt seals payload into a base64 ciphertext bound to the receiver id.
func (c *Codec) Encrypt(payload []byte) (string, error) {
	buf := make([]byte, prefixSize+lengthSize, prefixSize+lengthSize+len(payload)+len(c.receiverID)+paddingSize)
	if _, err := io.ReadFull(c.rand, buf[:prefixSize]); err != nil {
		return "", fmt.Errorf("read random prefix: %w", err)
	}
	binary.BigEndian.PutUint32(buf[prefixSize:], uint32(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, c.receiverID...)
	buf = pkcs7Pad(buf, paddingSize)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, buf)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Seal encrypts payload and signs the result for transport.
func (c *Codec) Seal(payload []byte, timestamp, nonce string) (Sealed, error) {
	enc, err := c.Encrypt(payload)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Encrypt:   enc,
		Signature: c.Sign(timestamp, nonce, enc),
		Timestamp: timestamp,
		Nonce:     nonce,
	}, nil
}
