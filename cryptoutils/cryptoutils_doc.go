// Package cryptoutils implements the secret codec of the secure values engine.
//
// # Key Hierarchy
//
// A 32-byte master secret is wrapped under a key derived from the account
// password (EncryptSecret / DecryptMasterSecret). Every value and every file
// gets its own 32-byte secret which is wrapped under the master secret and
// bound to that value's payload hash (EncryptValueSecret /
// DecryptValueSecret), so a wrapped secret cannot be moved to another value.
//
// All secrets carry a checksum (byte sum mod 255 == 239) that turns a wrong
// unwrapping key into a detectable ErrDecrypt instead of garbage.
//
// # Payload Encryption
//
// EncryptPayload prefixes the plaintext with 32..255 random bytes (first byte
// holds the prefix length) so the result is AES block aligned, hashes the
// padded data with SHA-256 and encrypts it with AES-256-CBC under a key and iv
// taken from SHA-512(secret || hash). DecryptPayload verifies the hash, so a
// wrong secret never yields plausible plaintext.
//
// # Credentials
//
// EncryptCredentialsSecret encrypts the one-time submission secret to the
// requesting party's public key:
//
//   - RSA keys: OAEP with SHA-1
//   - EC keys: ECIES with the format
//     [ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// # Password KDFs
//
// The master secret wrapping key is derived with one of:
//
//   - legacy: SHA-512(salt || password || salt)
//   - pbkdf2-sha512: PBKDF2-HMAC-SHA512, 100000 iterations
//   - argon2id: Argon2id, time=1, memory=64MiB, threads=4
package cryptoutils
