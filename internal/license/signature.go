package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signature computes the hex HMAC-SHA256 signature for a validation
// request. The canonical string is key:version:instanceId:timestamp and
// the license key itself is the shared secret known to both issuer and
// client.
func Signature(key, version, instanceID string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%s:%s:%s:%d", key, version, instanceID, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a supplied signature against the expected one
// in constant time. Pure function, no side effects; timestamp freshness
// is the caller's responsibility.
func VerifySignature(key, version, instanceID string, timestamp int64, signature string) bool {
	expected := Signature(key, version, instanceID, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
