package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// EncryptCredentialsSecret encrypts the one-time credentials secret to the
// requesting party's public key. RSA keys use OAEP with SHA-1, EC keys use
// ECIES (ECDH on the key curve, SHA-256 of the shared point, AES-GCM).
func EncryptCredentialsSecret(publicKeyPEM []byte, secret []byte) ([]byte, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	var publicKey any
	var err error
	if block.Type == "RSA PUBLIC KEY" {
		publicKey, err = x509.ParsePKCS1PublicKey(block.Bytes)
	} else {
		publicKey, err = x509.ParsePKIXPublicKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		encrypted, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, key, secret, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt credentials secret: %w", err)
		}
		return encrypted, nil
	case *ecdsa.PublicKey:
		return eciesEncrypt(key, secret)
	default:
		return nil, fmt.Errorf("unsupported public key type %T", publicKey)
	}
}

// DecryptCredentialsSecret is the receiving side of EncryptCredentialsSecret.
func DecryptCredentialsSecret(privateKeyPEM []byte, encrypted []byte) ([]byte, error) {
	privateKey, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	switch key := privateKey.(type) {
	case *rsa.PrivateKey:
		secret, err := rsa.DecryptOAEP(sha1.New(), nil, key, encrypted, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credentials secret: %w", err)
		}
		return secret, nil
	case *ecdsa.PrivateKey:
		return eciesDecrypt(key, encrypted)
	default:
		return nil, fmt.Errorf("unsupported private key type %T", privateKey)
	}
}

// eciesEncrypt output format:
// [ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
func eciesEncrypt(publicKey *ecdsa.PublicKey, data []byte) ([]byte, error) {
	ephemeralKey, err := ecdsa.GenerateKey(publicKey.Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	x, _ := publicKey.Curve.ScalarMult(publicKey.X, publicKey.Y, ephemeralKey.D.Bytes())
	sharedSecret := sha256.Sum256(x.Bytes())

	iv := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	aesGCM, err := newGCM(sharedSecret[:])
	if err != nil {
		return nil, err
	}
	ciphertext := aesGCM.Seal(nil, iv, data, nil)

	ephemeralPublicKeyBytes := elliptic.Marshal(ephemeralKey.Curve, ephemeralKey.X, ephemeralKey.Y)

	result := make([]byte, 0, 2+len(ephemeralPublicKeyBytes)+len(iv)+len(ciphertext))
	result = binary.BigEndian.AppendUint16(result, uint16(len(ephemeralPublicKeyBytes)))
	result = append(result, ephemeralPublicKeyBytes...)
	result = append(result, iv...)
	result = append(result, ciphertext...)
	return result, nil
}

func eciesDecrypt(privateKey *ecdsa.PrivateKey, encryptedData []byte) ([]byte, error) {
	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+12 {
		return nil, errors.New("encrypted data has invalid format")
	}

	x, y := elliptic.Unmarshal(privateKey.Curve, encryptedData[2:2+ephemeralKeyLen])
	if x == nil {
		return nil, errors.New("failed to unmarshal ephemeral public key")
	}

	xShared, _ := privateKey.Curve.ScalarMult(x, y, privateKey.D.Bytes())
	sharedSecret := sha256.Sum256(xShared.Bytes())

	ivStart := 2 + ephemeralKeyLen
	iv := encryptedData[ivStart : ivStart+12]
	ciphertext := encryptedData[ivStart+12:]

	aesGCM, err := newGCM(sharedSecret[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

func parsePrivateKey(privateKeyPEM []byte) (any, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return key, nil
	}
}
