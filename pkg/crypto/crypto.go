// Package crypto provides password hashing for the credential store.
//
// Stored values are self-describing, so a store written under one scheme
// can still be verified after the configured scheme changes:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
//	$plain$<password>
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	SchemeArgon2id = "argon2id"
	SchemePlain    = "plain"

	argon2Prefix = "$" + SchemeArgon2id + "$"
	plainPrefix  = "$" + SchemePlain + "$"
)

var (
	ErrUnknownScheme = errors.New("crypto: unknown password scheme")
	ErrInvalidHash   = errors.New("crypto: invalid password hash")
)

// Hasher turns a password into its stored form.
type Hasher interface {
	Hash(password string) (string, error)
	Scheme() string
}

// NewHasher returns the hasher for a scheme name. An empty name selects
// argon2id.
func NewHasher(scheme string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case SchemeArgon2id, "":
		return DefaultArgon2(), nil
	case SchemePlain:
		return PlainHasher{}, nil
	default:
		return nil, fmt.Errorf("%w %q (valid: %s, %s)", ErrUnknownScheme, scheme, SchemeArgon2id, SchemePlain)
	}
}

// PlainHasher stores passwords as-is. Useful for tests and for stores that
// must stay readable by older tooling.
type PlainHasher struct{}

func (PlainHasher) Hash(password string) (string, error) {
	return plainPrefix + password, nil
}

func (PlainHasher) Scheme() string { return SchemePlain }

// Argon2Hasher hashes passwords with Argon2id and a random salt.
type Argon2Hasher struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultArgon2 returns the parameters used for new hashes.
func DefaultArgon2() Argon2Hasher {
	return Argon2Hasher{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}
}

func (Argon2Hasher) Scheme() string { return SchemeArgon2id }

func (h Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches a stored value produced by any
// Hasher in this package. Values without a scheme prefix are compared as
// plain text.
func Verify(password, stored string) (bool, error) {
	switch {
	case strings.HasPrefix(stored, argon2Prefix):
		return verifyArgon2(password, stored)
	case strings.HasPrefix(stored, plainPrefix):
		return constantTimeEqual(password, strings.TrimPrefix(stored, plainPrefix)), nil
	default:
		return constantTimeEqual(password, stored), nil
	}
}

func verifyArgon2(password, stored string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 {
		return false, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported version %d", ErrInvalidHash, version)
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("%w: key: %w", ErrInvalidHash, err)
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want))) //nolint:gosec // decoded key length is small
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
