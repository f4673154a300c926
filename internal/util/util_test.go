package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptAES(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	require.NoError(t, err)

	plain := []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n")
	ct, err := EncryptAES(plain, key)
	require.NoError(t, err)
	assert.NotEqual(t, plain, ct)

	got, err := DecryptAES(ct, key)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestEncryptAESNonceUnique(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	require.NoError(t, err)

	a, err := EncryptAES([]byte("same"), key)
	require.NoError(t, err)
	b, err := EncryptAES([]byte("same"), key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptAESWrongKey(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	require.NoError(t, err)
	other, err := RandomBytes(AESKeySize)
	require.NoError(t, err)

	ct, err := EncryptAES([]byte("secret"), key)
	require.NoError(t, err)

	_, err = DecryptAES(ct, other)
	assert.Error(t, err)
}

func TestDecryptAESTruncated(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	require.NoError(t, err)
	_, err = DecryptAES([]byte{0x01, 0x02}, key)
	assert.Error(t, err)
}

func TestDeriveKeystoreKeyDeterministic(t *testing.T) {
	a, err := DeriveKeystoreKey("correct horse battery staple")
	require.NoError(t, err)
	b, err := DeriveKeystoreKey("correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, AESKeySize)

	c, err := DeriveKeystoreKey("different secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	require.NoError(t, err)
	b, err := RandomToken(16)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "=")
}
