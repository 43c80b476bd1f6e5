// Package checksum computes content digests and structural fingerprints.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Fingerprint returns the digest of v's canonical JSON form. Map keys are
// sorted by encoding/json, so equal structures yield equal fingerprints
// regardless of construction order.
func Fingerprint(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("checksum: fingerprint: %w", err)
	}
	return Sum(data), nil
}
