package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeviceHash fingerprints a client from its user agent. It is recorded for
// audit only and must not be used to make access decisions.
func DeviceHash(userAgent string) string {
	data := strings.TrimSpace(userAgent)
	if data == "" {
		data = "unknown"
	}
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:16]
}
