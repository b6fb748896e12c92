package crypto

import (
	"crypto/sha256"
	"encoding/base64"
)

// MethodS256 is the only PKCE challenge method GroveAuth accepts. "plain" is
// rejected — PKCE is mandatory and must be backed by the hashed form.
const MethodS256 = "S256"

// ChallengeS256 computes the S256 PKCE code challenge for a verifier:
// base64url(sha256(verifier)), no padding.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE reports whether verifier satisfies the stored challenge under
// the given method. Only MethodS256 is supported; any other method
// (including "plain") is rejected.
func VerifyPKCE(method, challenge, verifier string) bool {
	if method != MethodS256 || challenge == "" || verifier == "" {
		return false
	}
	return ConstantTimeEqual(ChallengeS256(verifier), challenge)
}
