// Package dialback implements the HMAC-SHA-256 key primitive from XEP-0220
// (spec §6): generating and verifying the dialback key exchanged between
// two servers to establish that a peer genuinely controls the domain it
// claims. The surrounding dial/accept federation flow is out of scope
// (spec's Non-goals), so this package is the primitive only.
package dialback

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// GenerateKey computes the dialback key a server sends when it wants to
// authenticate to target on behalf of origin for the given stream id,
// using secret as the shared component-local secret (XEP-0220 §3.2).
func GenerateKey(secret, origin, target, streamID string) string {
	mac := hmac.New(sha256.New, []byte(hashSecret(secret, target)))
	mac.Write([]byte(origin))
	mac.Write([]byte(" "))
	mac.Write([]byte(target))
	mac.Write([]byte(" "))
	mac.Write([]byte(streamID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyKey reports whether key is the correct dialback key for the given
// parameters, in constant time.
func VerifyKey(secret, origin, target, streamID, key string) bool {
	expected := GenerateKey(secret, origin, target, streamID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(key)) == 1
}

// hashSecret derives a per-target signing key from the server's long-term
// secret, matching XEP-0220's recommendation to hash the shared secret with
// the requesting domain before use as an HMAC key.
func hashSecret(secret, target string) string {
	h := sha256.Sum256([]byte(secret + target))
	return hex.EncodeToString(h[:])
}
