package fs

import (
	"crypto/sha256"
	"encoding/hex"
)

// fileKey turns an arbitrary key into a safe, fixed-length file name.
func fileKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".json"
}
