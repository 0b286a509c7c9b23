package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ruteri/secure-values/interfaces"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SecretSize is the length of master, value and file secrets.
	SecretSize = 32

	// secretChecksum is the required byte sum of a valid secret, mod 255.
	secretChecksum = 239

	pbkdf2Iterations = 100000
	keyIVSize        = 64
)

// ErrDecrypt is returned by every decryption routine on any integrity or
// format mismatch. No partial plaintext is ever returned with it.
var ErrDecrypt = errors.New("decryption failed")

// DeriveAuthHash computes the password proof sent to the remote password
// check: SHA-256(salt || password || salt).
func DeriveAuthHash(password, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(password)
	h.Write(salt)
	return h.Sum(nil)
}

// GenerateSecret returns a random secret whose byte sum satisfies the
// secret checksum, so that a wrong unwrapping key is detected on decryption.
func GenerateSecret() ([]byte, error) {
	for {
		secret := make([]byte, SecretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
		if fixSecretChecksum(secret) {
			return secret, nil
		}
	}
}

// ValidSecret reports whether secret has the right length and checksum.
func ValidSecret(secret []byte) bool {
	return len(secret) == SecretSize && byteSum(secret)%255 == secretChecksum
}

// SecretID identifies a master secret without revealing it.
func SecretID(secret []byte) uint64 {
	hash := sha256.Sum256(secret)
	return binary.LittleEndian.Uint64(hash[:8])
}

// RandomUint64 returns a random identifier for a freshly added file.
func RandomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to generate random id: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// EncryptSecret wraps the master secret under a key derived from the
// password and salt.
func EncryptSecret(salt, secret, password []byte, kdf interfaces.KDFAlgo) ([]byte, error) {
	if !ValidSecret(secret) {
		return nil, errors.New("refusing to wrap an invalid secret")
	}
	keyIV, err := deriveSecretKey(password, salt, kdf)
	if err != nil {
		return nil, err
	}
	return aesCBC(true, secret, keyIV)
}

// DecryptMasterSecret unwraps the master secret. A wrong password or a
// corrupted wrapping yields ErrDecrypt; callers must not retry with the
// same inputs. An unknown kdf yields interfaces.ErrUnsupportedKDF.
func DecryptMasterSecret(salt, encrypted, password []byte, kdf interfaces.KDFAlgo) ([]byte, error) {
	keyIV, err := deriveSecretKey(password, salt, kdf)
	if err != nil {
		return nil, err
	}
	if len(encrypted) != SecretSize {
		return nil, ErrDecrypt
	}
	secret, err := aesCBC(false, encrypted, keyIV)
	if err != nil || !ValidSecret(secret) {
		return nil, ErrDecrypt
	}
	return secret, nil
}

// EncryptValueSecret wraps a value or file secret under the master secret,
// bound to that value's own payload hash.
func EncryptValueSecret(secret, master, hash []byte) ([]byte, error) {
	if !ValidSecret(secret) {
		return nil, errors.New("refusing to wrap an invalid secret")
	}
	return aesCBC(true, secret, sha512Concat(master, hash))
}

// DecryptValueSecret reverses EncryptValueSecret.
func DecryptValueSecret(wrapped, master, hash []byte) ([]byte, error) {
	if len(wrapped) != SecretSize {
		return nil, ErrDecrypt
	}
	secret, err := aesCBC(false, wrapped, sha512Concat(master, hash))
	if err != nil || !ValidSecret(secret) {
		return nil, ErrDecrypt
	}
	return secret, nil
}

func deriveSecretKey(password, salt []byte, kdf interfaces.KDFAlgo) ([]byte, error) {
	switch kdf {
	case interfaces.KDFSHA512Legacy:
		h := sha512.New()
		h.Write(salt)
		h.Write(password)
		h.Write(salt)
		return h.Sum(nil), nil
	case interfaces.KDFPBKDF2SHA512:
		return pbkdf2.Key(password, salt, pbkdf2Iterations, keyIVSize, sha512.New), nil
	case interfaces.KDFArgon2id:
		// Parameters: time=1, memory=64*1024, threads=4
		return argon2.IDKey(password, salt, 1, 64*1024, 4, keyIVSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", interfaces.ErrUnsupportedKDF, kdf)
	}
}

func sha512Concat(a, b []byte) []byte {
	h := sha512.New()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

// aesCBC runs AES-256-CBC with key = keyIV[0:32] and iv = keyIV[32:48].
// Input must be block aligned; no padding is applied.
func aesCBC(encrypt bool, data, keyIV []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("data length %d is not block aligned", len(data))
	}
	block, err := aes.NewCipher(keyIV[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	iv := keyIV[32 : 32+aes.BlockSize]

	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

func byteSum(data []byte) uint64 {
	var sum uint64
	for _, b := range data {
		sum += uint64(b)
	}
	return sum
}

// fixSecretChecksum raises trailing bytes until the checksum holds. It
// fails only if every byte is already saturated.
func fixSecretChecksum(secret []byte) bool {
	delta := (secretChecksum - int(byteSum(secret)%255) + 255) % 255
	for i := len(secret) - 1; i >= 0 && delta > 0; i-- {
		take := min(255-int(secret[i]), delta)
		secret[i] += byte(take)
		delta -= take
	}
	return delta == 0
}
