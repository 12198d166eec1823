// Package idempotency builds deterministic, bounded composite keys.
// Adapted from pkg/idempotency/keys.go. Its one caller in ADMP is
// internal/apikey, which derives the issued-API-key lookup hash through
// BuildKey; the webhook dispatcher does not use this package.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	KeyVersion = "v1"
	MaxKeyLen  = 256
)

var ErrInvalidKey = errors.New("idempotency: invalid key")

// BuildKey computes a deterministic "v1:scope:hash" key from ordered
// parts, hashed with SHA-256 so arbitrarily long/odd-shaped inputs
// collapse to a bounded, filesystem/URL-safe token.
func BuildKey(scope string, parts ...string) (string, error) {
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return "", fmt.Errorf("%w: empty scope", ErrInvalidKey)
	}
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))
	key := fmt.Sprintf("%s:%s:%s", KeyVersion, scope, sum)
	if len(key) > MaxKeyLen {
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidKey, MaxKeyLen)
	}
	return key, nil
}

// BuildKeyFromMap is BuildKey over a map, sorting keys first so callers
// don't need to impose their own ordering.
func BuildKeyFromMap(scope string, m map[string]string) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k, m[k])
	}
	return BuildKey(scope, parts...)
}
