package models

import (
	"crypto/sha256"
	"encoding/hex"
)

// KeyFingerprint derives a stable, non-reversible identifier for an API key.
// The raw key value must never reach logs or accounting records; the
// fingerprint is a truncated SHA-256 hex digest, long enough to distinguish
// tenants and short enough to scan in log output.
func KeyFingerprint(rawKey string) string {
	if rawKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])[:16]
}

// MaskAPIKey renders a key for display as its first characters followed by
// an ellipsis. Keys shorter than the prefix are fully masked.
func MaskAPIKey(rawKey string) string {
	const prefixLen = 6
	if len(rawKey) <= prefixLen {
		return "***"
	}
	return rawKey[:prefixLen] + "..."
}
