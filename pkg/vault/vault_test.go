package vault

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func TestSealOpen_RoundTrip(t *testing.T) {
	v, err := New(randomKey(t))
	require.NoError(t, err)

	plaintext := []byte("sk-upstream-secret-value")
	ciphertext, iv, err := v.Seal(plaintext)
	require.NoError(t, err)
	assert.Len(t, iv, IVSize)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := v.Open(ciphertext, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSeal_FreshIVEachCall(t *testing.T) {
	v, err := New(randomKey(t))
	require.NoError(t, err)

	_, iv1, err := v.Seal([]byte("x"))
	require.NoError(t, err)
	_, iv2, err := v.Seal([]byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, iv1, iv2)
}

func TestOpen_WrongKeyFails(t *testing.T) {
	v1, err := New(randomKey(t))
	require.NoError(t, err)
	v2, err := New(randomKey(t))
	require.NoError(t, err)

	ciphertext, iv, err := v1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = v2.Open(ciphertext, iv)
	assert.Error(t, err)
}

func TestOpen_TamperedCiphertextFails(t *testing.T) {
	v, err := New(randomKey(t))
	require.NoError(t, err)

	ciphertext, iv, err := v.Seal([]byte("secret"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = v.Open(ciphertext, iv)
	assert.Error(t, err)
}

func TestNew_RejectsWrongKeySize(t *testing.T) {
	_, err := New([]byte("too short"))
	assert.Error(t, err)
}
