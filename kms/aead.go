package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

const keySize = 32 // AES-256

// GenerateKey returns fresh AES-256 key material for the memory/local
// backends.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RandomBytes fills and returns n cryptographically random bytes, used by
// backends to mint key ids.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// SealGCM encrypts plaintext with a freshly generated random nonce, binding
// keyID as additional authenticated data, and prepends the nonce to the
// returned ciphertext. This resolves the nonce-derivation open question in
// favor of a per-record random nonce instead of one derived from keyID.
func SealGCM(key []byte, keyID string, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ct := gcm.Seal(nil, nonce, plaintext, []byte(keyID))
	return append(nonce, ct...), nil
}

// OpenGCM reverses SealGCM.
func OpenGCM(key []byte, keyID string, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ct, []byte(keyID))
}
