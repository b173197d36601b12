package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewOpID returns a client-unique operation token.
func NewOpID() string {
	return uuid.NewString()
}
