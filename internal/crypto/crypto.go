// Package crypto holds the client-side primitives: X25519 key agreement for
// calls, passphrase stretching, and AES-256-GCM for message content. The
// relay never calls into this package.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// Key sizes
	KeySize   = 32
	NonceSize = 12

	// Argon2 parameters
	Argon2Memory   = 64 * 1024 // 64 MB
	Argon2Time     = 3
	Argon2Threads  = 4
	Argon2SaltSize = 16

	callKeyInfo = "relay-call-key"
)

var (
	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrInvalidNonceSize = errors.New("invalid nonce size")
	ErrDecryptFailed    = errors.New("decryption failed")
)

// GenerateKeyPair generates an X25519 key pair for DH key exchange
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	privateKey, err = GenerateRandomBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return publicKey, privateKey, nil
}

// DH computes a shared secret using X25519
func DH(privateKey, publicKey []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize || len(publicKey) != curve25519.PointSize {
		return nil, ErrInvalidKeySize
	}
	return curve25519.X25519(privateKey, publicKey)
}

// PassphraseKey stretches an out-of-band passphrase with Argon2id
func PassphraseKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, Argon2Time, Argon2Memory, Argon2Threads, KeySize)
}

// DeriveCallKey derives the AES-256 key of one call. Both parties compute the
// same key from their own private key, the peer's public key, the shared
// passphrase and the call id; the relay sees only the public keys.
func DeriveCallKey(privateKey, remotePublicKey []byte, passphrase, callID string) ([]byte, error) {
	shared, err := DH(privateKey, remotePublicKey)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(callKeyInfo + ":" + callID))
	salt := PassphraseKey(passphrase, sum[:Argon2SaltSize])

	return DeriveKey(shared, salt, []byte(callKeyInfo), KeySize)
}

// AESGCMEncrypt encrypts data using AES-256-GCM
func AESGCMEncrypt(key, plaintext, associatedData []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce, err = GenerateRandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, nil, err
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, associatedData)
	return ciphertext, nonce, nil
}

// AESGCMDecrypt decrypts data using AES-256-GCM
func AESGCMDecrypt(key, ciphertext, nonce, associatedData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, ErrInvalidNonceSize
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

// Seal encrypts plaintext into the base64 text form carried in message
// content: nonce followed by ciphertext.
func Seal(key, plaintext []byte) (string, error) {
	ciphertext, nonce, err := AESGCMEncrypt(key, plaintext, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// Open reverses Seal
func Open(key []byte, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < NonceSize {
		return nil, ErrDecryptFailed
	}
	return AESGCMDecrypt(key, raw[NonceSize:], raw[:NonceSize], nil)
}

// KeyID is a short fingerprint of key, sent as encryptionKeyId
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

// GenerateRandomBytes generates cryptographically secure random bytes
func GenerateRandomBytes(size int) ([]byte, error) {
	bytes := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}

// DeriveKey derives a key from a secret using HKDF-SHA256
func DeriveKey(secret, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// MessageKey derives the content key shared by both ends of a conversation
// from their passphrase. The pair key salts it, so every pair gets its own key.
func MessageKey(passphrase, pairKey string) []byte {
	sum := sha256.Sum256([]byte(pairKey))
	return PassphraseKey(passphrase, sum[:Argon2SaltSize])
}
