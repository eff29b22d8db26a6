package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// TokenHasher turns a raw refresh credential into the irreversible key
// stored in the ledger. Lookups are comparison-only, so the hash must
// be deterministic for a given key.
//
// The default is a keyed HMAC-SHA256. The ledger does not need the
// brute-force resistance of a password hash: the hashed input is a
// high-entropy credential, not a human secret, and refresh lookups sit
// on the hot path.
type TokenHasher interface {
	Hash(raw string) string
}

// HMACHasher is the default TokenHasher. An empty key degrades to
// plain SHA-256, which is acceptable for single-deployment setups but
// a keyed deployment prevents hash correlation across environments.
type HMACHasher struct {
	key []byte
}

func NewHMACHasher(key []byte) *HMACHasher {
	return &HMACHasher{key: key}
}

func (h *HMACHasher) Hash(raw string) string {
	if len(h.key) == 0 {
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
