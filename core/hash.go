package core

import (
	"encoding/hex"

	"github.com/go-crypt/x/blake2b"
)

// ContentHash returns the hex-encoded BLAKE2b-256 fingerprint of text.
// Identical content always produces the identical fingerprint, so it serves as
// the idempotency key across redeliveries.
func ContentHash(text string) string {
	h, _ := blake2b.New(32, nil) // 32 bytes = 256 bits, unkeyed
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
