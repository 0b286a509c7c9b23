package cryptoutils

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "short string", data: []byte("hello")},
		{name: "json fields", data: []byte(`{"first_name":"Ada","last_name":"Lovelace"}`)},
		{name: "block aligned", data: bytes.Repeat([]byte{1}, 64)},
		{name: "one over block", data: bytes.Repeat([]byte{2}, 17)},
		{name: "binary", data: []byte{0x00, 0x01, 0xfe, 0xff}},
		{name: "large", data: make([]byte, 300*1024)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			secret := mustSecret(t)

			encrypted, err := EncryptPayload(tc.data, secret)
			require.NoError(t, err)
			require.Len(t, encrypted.Hash, 32)
			require.Zero(t, len(encrypted.Ciphertext)%16)
			require.GreaterOrEqual(t, len(encrypted.Ciphertext)-len(tc.data), minPadding)

			decrypted, err := DecryptPayload(encrypted.Ciphertext, encrypted.Hash, secret)
			require.NoError(t, err)
			assert.Equal(t, tc.data, decrypted)
		})
	}
}

func TestPayloadWrongSecretFails(t *testing.T) {
	for i := 0; i < 50; i++ {
		payload := make([]byte, i*7)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		s1, s2 := mustSecret(t), mustSecret(t)
		encrypted, err := EncryptPayload(payload, s1)
		require.NoError(t, err)

		decrypted, err := DecryptPayload(encrypted.Ciphertext, encrypted.Hash, s2)
		require.ErrorIs(t, err, ErrDecrypt)
		require.Nil(t, decrypted)
	}
}

func TestPayloadTamperingFails(t *testing.T) {
	secret := mustSecret(t)
	encrypted, err := EncryptPayload([]byte("some field data"), secret)
	require.NoError(t, err)

	t.Run("flipped ciphertext bit", func(t *testing.T) {
		tampered := append([]byte{}, encrypted.Ciphertext...)
		tampered[len(tampered)-1] ^= 0x01
		_, err := DecryptPayload(tampered, encrypted.Hash, secret)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("wrong hash", func(t *testing.T) {
		hash := append([]byte{}, encrypted.Hash...)
		hash[0] ^= 0x01
		_, err := DecryptPayload(encrypted.Ciphertext, hash, secret)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := DecryptPayload(encrypted.Ciphertext[:16], encrypted.Hash, secret)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("short secret", func(t *testing.T) {
		_, err := DecryptPayload(encrypted.Ciphertext, encrypted.Hash, secret[:16])
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestEncryptPayloadRejectsBadSecret(t *testing.T) {
	_, err := EncryptPayload([]byte("x"), []byte("short"))
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", Checksum([]byte("hello")))
	assert.Len(t, Checksum(nil), 32)
}
