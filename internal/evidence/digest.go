package evidence

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Digest returns the integrity tag of a payload as "blake2b-256:<hex>".
func Digest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return "blake2b-256:" + hex.EncodeToString(sum[:])
}
