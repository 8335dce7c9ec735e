package util

import (
	"crypto/rand"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

const shortAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// ShortID returns a compact URL-safe identifier used as the external
// stream id in cross-resource references.
func ShortID() string {
	bytes := make([]byte, 9)
	_, _ = rand.Read(bytes)
	out := make([]byte, len(bytes))
	for i, b := range bytes {
		out[i] = shortAlphabet[int(b)%len(shortAlphabet)]
	}
	return string(out)
}
