package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/AutumnsGrove/groveauth/storage"
)

// AccessLifetime is the fixed access-token validity window (exp = iat + 3600s).
const AccessLifetime = time.Hour

// Claims is the access token's wire shape. Other services verifying
// GroveAuth tokens depend on this exact claim set and the RS256 algorithm.
type Claims struct {
	josejwt.Claims
	Email    string `json:"email"`
	Name     string `json:"name"`
	ClientID string `json:"client_id"`
}

// Minter issues and verifies RS256 access tokens using the storage-backed
// signing key (see KeyRotator).
type Minter struct {
	db     storage.Storage
	issuer string
}

// NewMinter returns a Minter that signs with issuer as the `iss` claim.
func NewMinter(db storage.Storage, issuer string) *Minter {
	return &Minter{db: db, issuer: issuer}
}

// MintAccessToken signs a compact JWT for (userID, email, name, clientID).
func (m *Minter) MintAccessToken(ctx context.Context, userID, email, name, clientID string) (string, error) {
	keys, err := m.db.GetKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("get signing key: %w", err)
	}
	if keys.SigningKey == nil {
		return "", errors.New("no signing key available")
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: keys.SigningKey}, &jose.SignerOptions{})
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := time.Now().UTC()
	claims := Claims{
		Claims: josejwt.Claims{
			Subject:  userID,
			Issuer:   m.issuer,
			IssuedAt: josejwt.NewNumericDate(now),
			Expiry:   josejwt.NewNumericDate(now.Add(AccessLifetime)),
		},
		Email:    email,
		Name:     name,
		ClientID: clientID,
	}

	return josejwt.Signed(signer).Claims(claims).Serialize()
}

// VerifyAccessToken parses and verifies raw against the current signing key
// or any still-live rotated-out verification key, returning its claims.
func (m *Minter) VerifyAccessToken(ctx context.Context, raw string) (Claims, error) {
	parsed, err := josejwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	keys, err := m.db.GetKeys(ctx)
	if err != nil {
		return Claims{}, fmt.Errorf("get keys: %w", err)
	}

	candidates := make([]*jose.JSONWebKey, 0, 1+len(keys.VerificationKeys))
	if keys.SigningKeyPub != nil {
		candidates = append(candidates, keys.SigningKeyPub)
	}
	for _, vk := range keys.VerificationKeys {
		candidates = append(candidates, vk.PublicKey)
	}

	var claims Claims
	var verifyErr error
	for _, key := range candidates {
		if err := parsed.Claims(key, &claims); err == nil {
			verifyErr = nil
			break
		} else {
			verifyErr = err
		}
	}
	if verifyErr != nil || len(candidates) == 0 {
		return Claims{}, errors.New("invalid_token")
	}

	if err := claims.Validate(josejwt.Expected{Issuer: m.issuer, Time: time.Now().UTC()}); err != nil {
		return Claims{}, fmt.Errorf("invalid_token: %w", err)
	}
	return claims, nil
}
