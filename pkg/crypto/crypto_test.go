package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBox(t *testing.T) *Box {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	box, err := NewBox(key)
	require.NoError(t, err)
	return box
}

func TestNewBoxRejectsShortKey(t *testing.T) {
	_, err := NewBox([]byte("too-short"))
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box := testBox(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"bot token", "110201543:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"},
		{"empty string", ""},
		{"unicode", "chave pix: café ☕"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := box.Encrypt(tt.plaintext)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(stored, "v1:"))

			got, err := box.Decrypt(stored)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, got)
		})
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	box := testBox(t)
	a, err := box.Encrypt("same input")
	require.NoError(t, err)
	b, err := box.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	box := testBox(t)
	stored, err := box.Encrypt("secret")
	require.NoError(t, err)

	t.Run("unknown version", func(t *testing.T) {
		_, err := box.Decrypt("v9:" + strings.TrimPrefix(stored, "v1:"))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		raw, derr := base64.URLEncoding.DecodeString(strings.TrimPrefix(stored, "v1:"))
		require.NoError(t, derr)
		raw[len(raw)-1] ^= 0x01
		_, err := box.Decrypt("v1:" + base64.URLEncoding.EncodeToString(raw))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := box.Decrypt("v1:!!!")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestSignVerify(t *testing.T) {
	box := testBox(t)

	token, err := box.Sign(CallbackPayload{Action: "topup", AdminID: 42, Targets: []int64{2500}})
	require.NoError(t, err)

	payload, err := box.Verify(token, 42, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "topup", payload.Action)
	assert.Equal(t, int64(42), payload.AdminID)
	assert.Equal(t, []int64{2500}, payload.Targets)
}

func TestVerifyRejectsWrongInvoker(t *testing.T) {
	box := testBox(t)
	token, err := box.Sign(CallbackPayload{Action: "topup", AdminID: 42})
	require.NoError(t, err)

	_, err = box.Verify(token, 43, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	box := testBox(t)
	token, err := box.Sign(CallbackPayload{Action: "topup", AdminID: 42})
	require.NoError(t, err)

	_, err = box.Verify(token, 42, -time.Second)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsBadMAC(t *testing.T) {
	box := testBox(t)
	token, err := box.Sign(CallbackPayload{Action: "topup", AdminID: 42})
	require.NoError(t, err)

	blob, err := base64.URLEncoding.DecodeString(token)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0x01
	_, err = box.Verify(base64.URLEncoding.EncodeToString(blob), 42, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	box := testBox(t)
	other, err := NewBox([]byte("another-32-byte-key-for-testing!"))
	require.NoError(t, err)

	token, err := box.Sign(CallbackPayload{Action: "topup", AdminID: 42})
	require.NoError(t, err)

	_, err = other.Verify(token, 42, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret(16)
	require.NoError(t, err)
	assert.Len(t, a, 32) // hex doubles the byte count

	b, err := GenerateSecret(16)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
