package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Hash returns the SHA-256 hash of data as a lowercase hex string.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashBytes returns the raw SHA-256 bytes of data.
func HashBytes(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// MessageID derives the stable, deterministic primary key for a chat
// message: SHA-256 of content, author and timestamp concatenated directly
// (no delimiter). It is the pool key and does not depend on the signature.
func MessageID(content, authorID string, timestampMs int64) string {
	return Hash([]byte(content + authorID + strconv.FormatInt(timestampMs, 10)))
}
