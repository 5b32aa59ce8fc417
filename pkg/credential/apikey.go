package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PrefixLen is the number of leading key characters stored in clear text
// to narrow the bcrypt comparison to a handful of rows.
const PrefixLen = 8

var ErrMalformedKey = errors.New("malformed api key")

// GenerateAPIKey returns a new raw key, its bcrypt hash and its lookup prefix.
// The raw key is shown to the caller once and never stored.
func GenerateAPIKey() (raw, hash, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)

	hash, err = HashAPIKey(raw)
	if err != nil {
		return "", "", "", err
	}
	return raw, hash, raw[:PrefixLen], nil
}

// HashAPIKey hashes a raw key with bcrypt.
func HashAPIKey(raw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(b), nil
}

// CompareAPIKey reports whether raw matches the stored bcrypt hash.
func CompareAPIKey(raw, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// KeyPrefix returns the lookup prefix of a raw key.
func KeyPrefix(raw string) (string, error) {
	if len(raw) <= PrefixLen {
		return "", ErrMalformedKey
	}
	return raw[:PrefixLen], nil
}
