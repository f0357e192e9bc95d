// Package fingerprint computes base-value fingerprints. Clients hash the
// value they believe is current and attach it to every operation; the
// server compares fingerprints to detect concurrent edits.
package fingerprint

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash returns the hex-encoded BLAKE2b-256 digest of b.
func Hash(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashText fingerprints a text field value.
func HashText(s string) string {
	return Hash([]byte(s))
}
