package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON serializes v deterministically. encoding/json marshals
// map keys in sorted order at every nesting level, which is the
// canonical form the integrity hashes are defined over.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// EqualHex compares two hex digests without leaking a timing signal.
func EqualHex(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
