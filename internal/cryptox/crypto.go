// Package cryptox seals store snapshots with a passphrase before they
// leave the device.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize = 16
	keySize  = 32
)

// magic prefixes every sealed blob so a plain snapshot is never mistaken
// for an encrypted one.
var magic = []byte("PSB1")

var (
	ErrMalformed     = errors.New("sealed data is malformed")
	ErrBadPassphrase = errors.New("wrong passphrase or corrupted data")
)

// DeriveKey stretches passphrase into an AES-256 key with Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with AES-GCM under a key derived from passphrase.
// The output is magic | salt | nonce | ciphertext.
func Seal(plaintext, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(magic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	// magic is authenticated as additional data
	return aead.Seal(out, nonce, plaintext, magic), nil
}

// Open reverses Seal.
func Open(sealed, passphrase []byte) ([]byte, error) {
	if !IsSealed(sealed) || len(sealed) < len(magic)+saltSize {
		return nil, ErrMalformed
	}
	rest := sealed[len(magic):]
	salt, rest := rest[:saltSize], rest[saltSize:]

	aead, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return plaintext, nil
}

// IsSealed reports whether data starts with the sealed-blob prefix.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}
