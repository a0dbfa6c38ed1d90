package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// PasswordHashCost is the bcrypt work factor applied to every credential.
const PasswordHashCost = 10

var errEmptyPassword = errors.New("auth: password must not be empty")

// BcryptHasherConfig bounds how many bcrypt computations may run at once.
type BcryptHasherConfig struct {
	Workers int
}

// BcryptHasher hashes and verifies passwords on a bounded set of worker slots.
type BcryptHasher struct {
	cost  int
	slots *semaphore.Weighted
}

// NewBcryptHasher constructs a hasher; zero workers means GOMAXPROCS.
func NewBcryptHasher(cfg BcryptHasherConfig) *BcryptHasher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &BcryptHasher{
		cost:  PasswordHashCost,
		slots: semaphore.NewWeighted(int64(workers)),
	}
}

// Hash returns a salted bcrypt digest of the plaintext.
func (h *BcryptHasher) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", errEmptyPassword
	}
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.slots.Release(1)

	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Verify reports whether plaintext matches digest. Malformed digests and
// cancelled contexts report false.
func (h *BcryptHasher) Verify(ctx context.Context, plaintext, digest string) bool {
	if plaintext == "" || digest == "" {
		return false
	}
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.slots.Release(1)

	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}

// RefreshTokenDigest returns the hex SHA-256 digest stored for a refresh token.
func RefreshTokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RefreshTokenMatches compares a presented refresh token with a stored digest in constant time.
func RefreshTokenMatches(token, digest string) bool {
	if token == "" || digest == "" {
		return false
	}
	computed := RefreshTokenDigest(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
