// Package hash derives the content addresses of stored blobs.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// BlobIDLength is the number of hex characters in a blob id.
const BlobIDLength = 32

// BlobID returns the content address of data: the first 128 bits of its
// SHA-256 in lower-case hex.
func BlobID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:BlobIDLength/2])
}

// IsBlobID reports whether s has the shape of a blob id.
func IsBlobID(s string) bool {
	if len(s) != BlobIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Matches reports whether data is the content addressed by id.
func Matches(id string, data []byte) bool {
	return BlobID(data) == id
}
