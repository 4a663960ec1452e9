package vault

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T, secret string) *Cipher {
	t.Helper()
	c, err := New(secret)
	require.NoError(t, err)
	return c
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t, "unit-test-secret")

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"ascii", "PKTEST1234567890"},
		{"multibyte", "秘密のキー-🔑-ключ"},
		{"long", string(make([]byte, 4096))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := c.Encrypt(tt.input)
			require.NoError(t, err)

			got, err := c.Decrypt(env)
			require.NoError(t, err)
			assert.Equal(t, tt.input, got)
		})
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c := newTestCipher(t, "unit-test-secret")

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecryptDetectsEveryBitFlip(t *testing.T) {
	c := newTestCipher(t, "unit-test-secret")

	env, err := c.Encrypt("api-secret-value")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(env)
	require.NoError(t, err)

	for i := 0; i < len(raw)*8; i++ {
		mutated := append([]byte(nil), raw...)
		mutated[i/8] ^= 1 << (i % 8)

		got, err := c.Decrypt(base64.StdEncoding.EncodeToString(mutated))
		require.Error(t, err, "bit %d", i)
		assert.True(t, IsDecryptionError(err), "bit %d", i)
		assert.Empty(t, got)
	}
}

func TestDecryptFailsClosed(t *testing.T) {
	c := newTestCipher(t, "unit-test-secret")

	tests := []struct {
		name     string
		envelope string
	}{
		{"empty", ""},
		{"not base64", "!!not-base64!!"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"trailing garbage", "AAAA===="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Decrypt(tt.envelope)
			assert.True(t, IsDecryptionError(err))
			assert.Empty(t, got)
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	a := newTestCipher(t, "first-secret")
	b := newTestCipher(t, "second-secret")

	env, err := a.Encrypt("api-key")
	require.NoError(t, err)

	_, err = b.Decrypt(env)
	assert.True(t, IsDecryptionError(err))
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken(32)
	require.NoError(t, err)
	assert.Len(t, tok, 64)

	other, err := GenerateToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)

	_, err = GenerateToken(0)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
