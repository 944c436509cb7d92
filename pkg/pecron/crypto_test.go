package pecron

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decryptPassword reverses encryptPassword; the fake cloud uses it to check
// what the client sent.
func decryptPassword(encrypted, nonce string) (string, error) {
	key := deriveKey(nonce)
	iv := key[8:16] + key[0:8]

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", err
	}
	if len(raw) == 0 || len(raw)%block.BlockSize() != 0 {
		return "", errors.New("ciphertext is not a whole number of blocks")
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, []byte(iv)).CryptBlocks(out, raw)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > block.BlockSize() {
		return "", errors.New("bad padding")
	}
	return string(out[:len(out)-pad]), nil
}

func TestNewNonce(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		n, err := newNonce()
		require.NoError(t, err)
		assert.Len(t, n, 16)
		for _, c := range n {
			assert.True(t, strings.ContainsRune(nonceAlphabet, c), "unexpected character %q", c)
		}
		seen[n] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestDeriveKey(t *testing.T) {
	assert.Equal(t, "5DB6925363FA8DAA", deriveKey("abcdEFGH12345678"))
}

func TestEncryptPasswordKnownVector(t *testing.T) {
	enc, err := encryptPassword("hunter2", "abcdEFGH12345678")
	require.NoError(t, err)
	assert.Equal(t, "V1FdprEv7liix9gkkYEvVQ==", enc)
}

func TestEncryptPasswordRoundTrip(t *testing.T) {
	tests := []string{"", "a", "exactly16bytes!!", "pässwörd with unicode", strings.Repeat("x", 40)}
	for _, pw := range tests {
		nonce, err := newNonce()
		require.NoError(t, err)

		enc, err := encryptPassword(pw, nonce)
		require.NoError(t, err)
		got, err := decryptPassword(enc, nonce)
		require.NoError(t, err)
		assert.Equal(t, pw, got)
	}
}

func TestLoginSignature(t *testing.T) {
	sig := loginSignature("user@example.com", "V1FdprEv7liix9gkkYEvVQ==", "abcdEFGH12345678", "SECRET")
	assert.Equal(t, "fb6cb9c6105a43c842ba9782220388b85aecab8de2d0dfd5d702a9aac857a1c3", sig)
}
