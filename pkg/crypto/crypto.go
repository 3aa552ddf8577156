// Package crypto covers the two secret-handling concerns of the platform:
// symmetric encryption of bot tokens at rest and HMAC-signed callback tokens
// with a TTL.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Key version prefix for stored ciphertexts. A future key rotation adds a
// "v2:" branch in Decrypt without touching stored rows.
const keyVersion = "v1"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Box encrypts/decrypts short secrets and signs callback payloads with a
// single 32-byte key.
type Box struct {
	aead cipher.AEAD
	hmacKey []byte
}

// NewBox builds a Box from a 32-byte key. The same key drives AES-256-GCM
// and the HMAC base, mirroring the single ENCRYPTION_KEY contract.
func NewBox(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Box{aead: aead, hmacKey: key}, nil
}

// Encrypt seals plaintext and returns "v1:<base64url(nonce||ciphertext)>".
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return keyVersion + ":" + base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt, checking the key-version prefix.
func (b *Box) Decrypt(stored string) (string, error) {
	version, encoded, ok := strings.Cut(stored, ":")
	if !ok || version != keyVersion {
		return "", fmt.Errorf("%w: unknown key version", ErrInvalidToken)
	}
	sealed, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	ns := b.aead.NonceSize()
	if len(sealed) < ns {
		return "", fmt.Errorf("%w: short ciphertext", ErrInvalidToken)
	}
	plaintext, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return string(plaintext), nil
}

// macLen is the truncated HMAC length appended to callback payloads.
const macLen = 8

// CallbackPayload is the signed blob behind every manager-bot button.
type CallbackPayload struct {
	Action   string  `json:"action"`
	AdminID  int64   `json:"uid"`
	Targets  []int64 `json:"ids,omitempty"`
	Nonce    string  `json:"nonce,omitempty"`
	IssuedAt int64   `json:"ts"`
}

// Sign serializes payload, stamps it, and appends the truncated HMAC:
// base64url(payload_json || mac[0:8]).
func (b *Box) Sign(payload CallbackPayload) (string, error) {
	payload.IssuedAt = time.Now().Unix()
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	mac := hmac.New(sha256.New, b.hmacKey)
	mac.Write(raw)
	sum := mac.Sum(nil)[:macLen]
	return base64.URLEncoding.EncodeToString(append(raw, sum...)), nil
}

// Verify checks the MAC in constant time, the TTL, and that the token was
// issued to invokerID.
func (b *Box) Verify(token string, invokerID int64, ttl time.Duration) (*CallbackPayload, error) {
	blob, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(blob) <= macLen {
		return nil, fmt.Errorf("%w: too short", ErrInvalidToken)
	}
	raw, got := blob[:len(blob)-macLen], blob[len(blob)-macLen:]

	mac := hmac.New(sha256.New, b.hmacKey)
	mac.Write(raw)
	want := mac.Sum(nil)[:macLen]
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, fmt.Errorf("%w: bad MAC", ErrInvalidToken)
	}

	var payload CallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if time.Since(time.Unix(payload.IssuedAt, 0)) > ttl {
		return nil, ErrTokenExpired
	}
	if payload.AdminID != invokerID {
		return nil, fmt.Errorf("%w: uid mismatch", ErrInvalidToken)
	}
	return &payload, nil
}

// GenerateSecret returns a hex-encoded random string, used for per-bot
// webhook secrets.
func GenerateSecret(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
