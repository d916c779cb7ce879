package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	bulkHashIterations = 120_000
	bulkHashSaltLength = 16
	bulkHashKeyLength  = 32
)

// ErrInvalidBulkCredentials is returned when the basic-auth pair presented by
// a bulk consumer does not match the configured credential.
var ErrInvalidBulkCredentials = errors.New("invalid bulk credentials")

// BulkCredential guards the bulk listing endpoints consumed by internal
// components. The password is held as a pbkdf2 hash so the secret never sits
// in memory or config dumps in the clear.
type BulkCredential struct {
	user       string
	secretHash string
}

// NewBulkCredential builds the credential from a plain-text secret.
func NewBulkCredential(user, secret string) (BulkCredential, error) {
	if user == "" || secret == "" {
		return BulkCredential{}, errors.New("auth: bulk user and secret are required")
	}
	hash, err := hashBulkSecret(secret)
	if err != nil {
		return BulkCredential{}, err
	}
	return BulkCredential{user: user, secretHash: hash}, nil
}

// Match verifies a basic-auth pair against the credential in constant time.
func (c BulkCredential) Match(user, secret string) error {
	if subtle.ConstantTimeCompare([]byte(user), []byte(c.user)) != 1 {
		// Still run the hash comparison so mismatched users take the
		// same time as mismatched secrets.
		_ = verifyBulkSecret(c.secretHash, secret)
		return ErrInvalidBulkCredentials
	}
	return verifyBulkSecret(c.secretHash, secret)
}

func hashBulkSecret(secret string) (string, error) {
	salt := make([]byte, bulkHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, bulkHashIterations, bulkHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", bulkHashIterations, encodedSalt, encodedKey), nil
}

func verifyBulkSecret(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify bulk secret: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify bulk secret: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify bulk secret: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify bulk secret: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify bulk secret: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidBulkCredentials
	}
	return nil
}
