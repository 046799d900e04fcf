// Description: auth package
// The socket server and the sftp gateway are gated by one shared secret.
// The secret is configured either in plain text or as a bcrypt hash.

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrNoSecret = errors.New("no secret configured")

// Secret checks a password sent by a client
type Secret interface {
	// Verify reports whether password is the shared secret
	Verify(password string) bool
}

var _ Secret = PlainSecret("")
var _ Secret = HashedSecret("")

// PlainSecret is compared byte for byte in constant time
type PlainSecret string

func (s PlainSecret) Verify(password string) bool {
	return subtle.ConstantTimeCompare([]byte(s), []byte(password)) == 1
}

// HashedSecret is a bcrypt hash of the secret
type HashedSecret string

func (s HashedSecret) Verify(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(s), []byte(password)) == nil
}

// NewSecret prefers the hash when both are set
func NewSecret(plain, hash string) (Secret, error) {
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid secret hash: %w", err)
		}
		return HashedSecret(hash), nil
	}
	if plain != "" {
		return PlainSecret(plain), nil
	}
	return nil, ErrNoSecret
}

// HashSecret creates a bcrypt hash usable as SERVER_SECRET_HASH
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error hashing secret: %w", err)
	}
	return string(hash), nil
}
