package utils

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
)

// EmptySHA256 is the SHA256 hash of an empty body
const EmptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// HashSHA256 streams r through SHA256 and returns the hex digest (64 characters)
func HashSHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SecureCompare performs constant-time string comparison.
// This MUST be used when comparing digests or tokens.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
