package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	t.Setenv(encryptionSecretEnv, "this-is-a-very-long-test-secret-key-for-encryption-testing")

	enc, err := newEncryptor(true)
	require.NoError(t, err)

	for _, plaintext := range []string{"hello world", "Hello 世界", "!@#$%^&*()_+-=[]{}|;':\",./<>?"} {
		ciphertext, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := enc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}

	empty, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}

func TestEncryptor_NonceIsRandom(t *testing.T) {
	t.Setenv(encryptionSecretEnv, "this-is-a-very-long-test-secret-key-for-encryption-testing")
	enc, err := newEncryptor(true)
	require.NoError(t, err)

	a, err := enc.Encrypt("same")
	require.NoError(t, err)
	b, err := enc.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := newEncryptor(false)
	require.NoError(t, err)

	out, err := enc.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	_, err = enc.Decrypt(encryptedPrefix + "AAAA")
	assert.Error(t, err)
}

func TestEncryptor_PlaintextPassesThrough(t *testing.T) {
	t.Setenv(encryptionSecretEnv, "this-is-a-very-long-test-secret-key-for-encryption-testing")
	enc, err := newEncryptor(true)
	require.NoError(t, err)

	out, err := enc.Decrypt("legacy-secret")
	require.NoError(t, err)
	assert.Equal(t, "legacy-secret", out)
}

func TestEncryptor_ShortSecret(t *testing.T) {
	t.Setenv(encryptionSecretEnv, "short")
	_, err := newEncryptor(true)
	assert.Error(t, err)
}

func TestEncryptor_TamperedCiphertext(t *testing.T) {
	t.Setenv(encryptionSecretEnv, "this-is-a-very-long-test-secret-key-for-encryption-testing")
	enc, err := newEncryptor(true)
	require.NoError(t, err)

	_, err = enc.Decrypt(encryptedPrefix + "not base64!")
	assert.Error(t, err)

	_, err = enc.Decrypt(encryptedPrefix + "AAAA")
	assert.Error(t, err)
}
