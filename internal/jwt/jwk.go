package jwt

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-jose/go-jose/v4"
)

// Key is the symmetric key both origins use to sign hand-off tokens.
type Key struct {
	KID       string
	Secret    []byte
	Algorithm jose.SignatureAlgorithm
}

// NewKey derives a Key from a shared secret. The key id is a digest of the
// secret so both origins agree on it without coordination. An empty secret
// yields nil.
func NewKey(secret string) *Key {
	if secret == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(secret))
	return &Key{
		KID:       hex.EncodeToString(sum[:8]),
		Secret:    []byte(secret),
		Algorithm: jose.HS256,
	}
}
