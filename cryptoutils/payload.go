package cryptoutils

import (
	"crypto/aes"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	minPadding = 32
	maxPadding = 255
)

// EncryptedPayload is a ciphertext together with the hash of its padded
// plaintext. The hash doubles as the integrity check and as the key
// derivation input, so it must travel with the ciphertext.
type EncryptedPayload struct {
	Ciphertext []byte
	Hash       []byte
}

// EncryptPayload encrypts plaintext under secret. A random prefix of
// 32..255 bytes (first byte = its length) aligns the data to the AES block
// size; the key and iv come from SHA-512(secret || SHA-256(padded)).
func EncryptPayload(plaintext, secret []byte) (EncryptedPayload, error) {
	if len(secret) != SecretSize {
		return EncryptedPayload{}, fmt.Errorf("invalid secret length %d", len(secret))
	}

	padding := minPadding + (aes.BlockSize-(len(plaintext)+minPadding)%aes.BlockSize)%aes.BlockSize
	padded := make([]byte, padding+len(plaintext))
	if _, err := rand.Read(padded[1:padding]); err != nil {
		return EncryptedPayload{}, fmt.Errorf("failed to generate padding: %w", err)
	}
	padded[0] = byte(padding)
	copy(padded[padding:], plaintext)

	hash := sha256.Sum256(padded)
	ciphertext, err := aesCBC(true, padded, sha512Concat(secret, hash[:]))
	if err != nil {
		return EncryptedPayload{}, err
	}

	return EncryptedPayload{Ciphertext: ciphertext, Hash: hash[:]}, nil
}

// DecryptPayload reverses EncryptPayload. Any secret other than the one
// used for encryption fails the hash check and yields ErrDecrypt.
func DecryptPayload(ciphertext, hash, secret []byte) ([]byte, error) {
	if len(secret) != SecretSize || len(hash) != sha256.Size {
		return nil, ErrDecrypt
	}
	if len(ciphertext) < minPadding || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecrypt
	}

	padded, err := aesCBC(false, ciphertext, sha512Concat(secret, hash))
	if err != nil {
		return nil, ErrDecrypt
	}

	actual := sha256.Sum256(padded)
	if subtle.ConstantTimeCompare(actual[:], hash) != 1 {
		return nil, ErrDecrypt
	}

	padding := int(padded[0])
	if padding < minPadding || padding > maxPadding || padding > len(padded) {
		return nil, ErrDecrypt
	}

	plaintext := make([]byte, len(padded)-padding)
	copy(plaintext, padded[padding:])
	return plaintext, nil
}

// Checksum is the content checksum handed to the upload collaborator
// alongside encrypted file bytes.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
