// Package checksum computes the content tokens used to detect concurrent
// edits and to report document versions to clients.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShortLen is the length of an abbreviated token.
const ShortLen = 12

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Match reports whether data still has the token want.
func Match(data []byte, want string) bool {
	return Sum(data) == want
}

// Short abbreviates a token for logs.
func Short(token string) string {
	if len(token) <= ShortLen {
		return token
	}
	return token[:ShortLen]
}
