package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HashIP returns a keyed SHA-256 digest of a client IP so that raw addresses
// are never persisted. Without a secret no address information is recorded
// at all; an empty IP likewise hashes to the empty string.
func HashIP(secret, ip string) string {
	if secret == "" || ip == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}
