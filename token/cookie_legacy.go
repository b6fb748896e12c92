package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/AutumnsGrove/groveauth/pkg/crypto"
)

// decodeLegacyHMAC verifies and parses the retired 3-part cookie format:
// base64url(sessionId) ":" base64url(userId) ":" base64url(hmac-sha256).
// Accepted read-only; never minted by CookieCodec.Encode.
func decodeLegacyHMAC(parts []string, key []byte) (sessionID, userID string, err error) {
	sidB, e1 := base64.RawURLEncoding.DecodeString(parts[0])
	uidB, e2 := base64.RawURLEncoding.DecodeString(parts[1])
	macB, e3 := base64.RawURLEncoding.DecodeString(parts[2])
	if e1 != nil || e2 != nil || e3 != nil {
		return "", "", ErrInvalidCookie
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(sidB)
	mac.Write([]byte(":"))
	mac.Write(uidB)
	expected := mac.Sum(nil)

	if !crypto.ConstantTimeEqual(string(expected), string(macB)) {
		return "", "", ErrInvalidCookie
	}
	return string(sidB), string(uidB), nil
}
