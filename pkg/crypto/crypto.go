// Package crypto provides password hashing for stored credentials.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize = 16
	keySize  = 32

	// Argon2id parameters. The encoded form stores only salt and key, so
	// these must not change once passwords have been stored.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	hashPrefix = "argon2id"

	// MaxPasswordLength bounds the work an attacker can force per login attempt.
	MaxPasswordLength = 256
)

var (
	ErrMalformedHash   = errors.New("crypto: malformed password hash")
	ErrPasswordTooLong = fmt.Errorf("crypto: password exceeds %d bytes", MaxPasswordLength)
)

// GenerateSalt returns a random salt for HashPassword.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	return salt, nil
}

// HashPassword hashes a password using Argon2id.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, keySize)
}

// EncodePassword hashes password with a fresh salt and returns the storable
// form "argon2id$<salt hex>$<key hex>".
func EncodePassword(password string) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	key := HashPassword(password, salt)
	return hashPrefix + "$" + hex.EncodeToString(salt) + "$" + hex.EncodeToString(key), nil
}

// VerifyPassword reports whether password matches an EncodePassword result.
// Comparison is constant-time.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != hashPrefix {
		return false, ErrMalformedHash
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := hex.DecodeString(parts[2])
	if err != nil || len(want) != keySize {
		return false, ErrMalformedHash
	}
	if len(password) > MaxPasswordLength {
		return false, nil
	}
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
