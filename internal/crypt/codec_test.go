package crypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("weight blob with some entropy 0123456789")

	sealed, err := Encrypt("secret-key", plaintext)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(sealed))
	assert.NotContains(t, string(sealed), "weight blob")

	opened, err := Decrypt("secret-key", sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestDecryptWrongKey(t *testing.T) {
	sealed, err := Encrypt("right-key", []byte("payload"))
	require.NoError(t, err)

	_, err = Decrypt("wrong-key", sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	sealed, err := Encrypt("key", []byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = Decrypt("key", sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptMalformedHeader(t *testing.T) {
	_, err := Decrypt("key", []byte("not an envelope"))
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = Decrypt("key", []byte(Magic+"short"))
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestIsEncrypted(t *testing.T) {
	assert.False(t, IsEncrypted([]byte("PM")))
	assert.False(t, IsEncrypted([]byte("plain weights")))
	assert.True(t, IsEncrypted([]byte(Magic)))
}

func TestZero(t *testing.T) {
	buf := []byte{1, 2, 3}
	Zero(buf)
	assert.Equal(t, []byte{0, 0, 0}, buf)
}
