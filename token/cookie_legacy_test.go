package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

// mintLegacyHMACForTest reconstructs the retired cookie format so tests can
// assert the read-only legacy path still verifies it.
func mintLegacyHMACForTest(t *testing.T, sessionID, userID string, key []byte) string {
	t.Helper()

	sid := base64.RawURLEncoding.EncodeToString([]byte(sessionID))
	uid := base64.RawURLEncoding.EncodeToString([]byte(userID))

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sessionID))
	mac.Write([]byte(":"))
	mac.Write([]byte(userID))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return sid + ":" + uid + ":" + sig
}
