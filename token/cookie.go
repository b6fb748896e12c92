package token

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/AutumnsGrove/groveauth/pkg/crypto"
)

// CookieName is the session cookie's name on the wire.
const CookieName = "grove_session"

// ErrInvalidCookie is returned for any cookie that fails to parse or
// decrypt — tampered, truncated, or wrong-key input all collapse to this
// single error so a forged cookie never distinguishes why it failed.
var ErrInvalidCookie = errors.New("invalid session cookie")

// CookieCodec encrypts/decrypts the grove_session cookie value:
// base64url(iv) ":" base64url(ciphertext||tag), AES-256-GCM over the
// plaintext "sessionId:userId". A legacy 3-part HMAC form is accepted
// read-only for backward compatibility but is never minted.
type CookieCodec struct {
	key       []byte
	legacyKey []byte // optional; nil disables legacy acceptance
}

// NewCookieCodec derives the AES-256-GCM key from secret via HKDF, scoped
// to this codec's use (info="session-cookie").
func NewCookieCodec(secret []byte) (*CookieCodec, error) {
	key, err := crypto.DeriveKey(secret, "session-cookie")
	if err != nil {
		return nil, err
	}
	return &CookieCodec{key: key}, nil
}

// WithLegacyHMACKey enables read-only acceptance of the old 3-part HMAC
// cookie format, signed with legacyKey.
func (c *CookieCodec) WithLegacyHMACKey(legacyKey []byte) *CookieCodec {
	c.legacyKey = legacyKey
	return c
}

// Encode returns the cookie value for (sessionID, userID). Always mints
// the current AES-GCM format — never the legacy one.
func (c *CookieCodec) Encode(sessionID, userID string) (string, error) {
	plaintext := sessionID + ":" + userID
	ciphertext, err := crypto.Encrypt([]byte(plaintext), c.key)
	if err != nil {
		return "", err
	}
	// crypto.Encrypt returns nonce||ciphertext||tag as one blob; split the
	// nonce back out so the wire format matches base64url(iv) ":" base64url(rest).
	nonce, rest := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return base64.RawURLEncoding.EncodeToString(nonce) + ":" + base64.RawURLEncoding.EncodeToString(rest), nil
}

const nonceSize = 12 // AES-GCM standard nonce size

// Decode parses and decrypts a cookie value, returning (sessionID, userID).
// Any malformed, tampered, or legacy-but-unconfigured input yields
// ErrInvalidCookie rather than a more specific error.
func (c *CookieCodec) Decode(value string) (sessionID, userID string, err error) {
	parts := strings.Split(value, ":")

	switch len(parts) {
	case 2:
		nonce, decErr := base64.RawURLEncoding.DecodeString(parts[0])
		if decErr != nil {
			return "", "", ErrInvalidCookie
		}
		rest, decErr := base64.RawURLEncoding.DecodeString(parts[1])
		if decErr != nil {
			return "", "", ErrInvalidCookie
		}
		plaintext, decErr := crypto.Decrypt(append(nonce, rest...), c.key)
		if decErr != nil {
			return "", "", ErrInvalidCookie
		}
		return splitSessionUser(string(plaintext))

	case 3:
		if c.legacyKey == nil {
			return "", "", ErrInvalidCookie
		}
		return decodeLegacyHMAC(parts, c.legacyKey)

	default:
		return "", "", ErrInvalidCookie
	}
}

func splitSessionUser(plaintext string) (sessionID, userID string, err error) {
	idx := strings.IndexByte(plaintext, ':')
	if idx < 0 {
		return "", "", ErrInvalidCookie
	}
	return plaintext[:idx], plaintext[idx+1:], nil
}
