// Package sha256 computes exact-match content hashes over normalized text.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher digests normalized item text.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash normalizes text and returns its hex SHA-256 digest.
func (h *Hasher) Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Normalize collapses every whitespace run to one space and trims the ends.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
