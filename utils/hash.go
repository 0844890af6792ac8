package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns the first 16 hex characters of SHA-256 over s. Enough
// for layout digests and cache keys; not a security boundary.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// HashStrings hashes a list with a separator so element boundaries survive.
func HashStrings(parts []string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
