// Package authcode implements the authorization-code engine: minting a
// single-use code bound to (client, user, redirect_uri, PKCE challenge) and
// atomically consuming it, enforcing mandatory PKCE on exchange.
package authcode

import (
	"context"
	"errors"
	"time"

	"github.com/AutumnsGrove/groveauth/pkg/crypto"
	"github.com/AutumnsGrove/groveauth/storage"
)

// Lifetime is the absolute expiry of a freshly-minted code.
const Lifetime = 5 * time.Minute

// ErrInvalidGrant covers every exchange failure — not found, expired,
// wrong client, wrong redirect, or failed PKCE — collapsed to one value so
// callers can't use the error to enumerate which cause applied.
var ErrInvalidGrant = errors.New("invalid_grant")

type Engine struct {
	db storage.Storage
}

func New(db storage.Storage) *Engine {
	return &Engine{db: db}
}

// Mint issues a code for (clientID, userID, redirectURI) with an optional
// PKCE challenge. The caller must have already verified the client and
// redirect_uri are registered together.
func (e *Engine) Mint(ctx context.Context, clientID, userID, redirectURI, codeChallenge, codeChallengeMethod string) (string, error) {
	code := storage.NewID()
	a := storage.AuthCode{
		ID:          code,
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		PKCE: storage.PKCE{
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: codeChallengeMethod,
		},
		Expiry: time.Now().UTC().Add(Lifetime),
	}
	if err := e.db.CreateAuthCode(ctx, a); err != nil {
		return "", err
	}
	return code, nil
}

// Exchange atomically consumes code for clientID and verifies redirect_uri
// binding plus the mandatory PKCE challenge. Every failure — including a
// code minted without a challenge, since PKCE is mandatory — surfaces as
// ErrInvalidGrant.
func (e *Engine) Exchange(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (storage.AuthCode, error) {
	a, err := e.db.ConsumeAuthCode(ctx, code, clientID, time.Now().UTC())
	if err != nil {
		return storage.AuthCode{}, ErrInvalidGrant
	}

	if a.RedirectURI != redirectURI {
		return storage.AuthCode{}, ErrInvalidGrant
	}

	if a.PKCE.CodeChallenge == "" || a.PKCE.CodeChallengeMethod == "" {
		return storage.AuthCode{}, ErrInvalidGrant
	}
	if !crypto.VerifyPKCE(a.PKCE.CodeChallengeMethod, a.PKCE.CodeChallenge, codeVerifier) {
		return storage.AuthCode{}, ErrInvalidGrant
	}

	return a, nil
}
