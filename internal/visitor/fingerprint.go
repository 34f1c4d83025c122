package visitor

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives a stable pseudo-identity for a visitor without cookies.
// It is a pure function of the request metadata: identical inputs always map
// to the same hash, and any change in IP or user agent yields a new visitor.
func Fingerprint(siteID, ip, userAgent string) string {
	sum := sha256.Sum256([]byte(siteID + "|" + ip + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}
