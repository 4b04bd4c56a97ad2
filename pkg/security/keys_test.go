package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyManager(t *testing.T) *KeyManager {
	t.Helper()
	km, err := NewKeyManager(2, 2048, nil)
	require.NoError(t, err)
	return km
}

func TestSymmetricRoundTrip(t *testing.T) {
	km := newTestKeyManager(t)
	wire, err := km.Encrypt([]byte("hello world"), EncryptionSymmetric)
	require.NoError(t, err)

	plaintext, err := km.Decrypt(wire)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(plaintext))
}

func TestAsymmetricRoundTrip(t *testing.T) {
	km := newTestKeyManager(t)
	wire, err := km.Encrypt([]byte("short payload"), EncryptionAsymmetric)
	require.NoError(t, err)

	plaintext, err := km.Decrypt(wire)
	require.NoError(t, err)
	assert.Equal(t, "short payload", string(plaintext))
}

func TestHybridRoundTrip(t *testing.T) {
	km := newTestKeyManager(t)
	payload := make([]byte, 4096) // larger than an RSA-2048 OAEP block could carry directly
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	wire, err := km.Encrypt(payload, EncryptionHybrid)
	require.NoError(t, err)

	plaintext, err := km.Decrypt(wire)
	require.NoError(t, err)
	assert.Equal(t, payload, plaintext)
}

func TestSymmetricRotationRetainsOldGenerationForDecrypt(t *testing.T) {
	km := newTestKeyManager(t)
	wire, err := km.Encrypt([]byte("before rotation"), EncryptionSymmetric)
	require.NoError(t, err)

	require.NoError(t, km.RotateSymmetric())

	plaintext, err := km.Decrypt(wire)
	require.NoError(t, err, "ciphertext referencing the prior generation must still decrypt")
	assert.Equal(t, "before rotation", string(plaintext))
}

func TestSymmetricRotationEventuallyAgesKeyOut(t *testing.T) {
	km := newTestKeyManager(t) // retainedGenerations=2; one generation already provisioned
	wire, err := km.Encrypt([]byte("ancient"), EncryptionSymmetric)
	require.NoError(t, err)

	require.NoError(t, km.RotateSymmetric())
	require.NoError(t, km.RotateSymmetric())

	_, err = km.Decrypt(wire)
	assert.Error(t, err, "key should have aged out of the retained-generations window")
}

func TestDecryptUnknownKeyID(t *testing.T) {
	km := newTestKeyManager(t)
	_, err := km.Decrypt([]byte(`{"encrypted":true,"algorithm":"symmetric","key_id":"sym-doesnotexist","data":"AAAA"}`))
	assert.Error(t, err)
}
