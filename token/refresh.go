package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AutumnsGrove/groveauth/pkg/crypto"
	"github.com/AutumnsGrove/groveauth/storage"
)

// RefreshLifetime is the absolute expiry of a freshly-minted refresh token.
const RefreshLifetime = 30 * 24 * time.Hour

// RefreshIssuer mints and rotates opaque refresh tokens, storing only
// their hash (see crypto.HashToken).
type RefreshIssuer struct {
	db storage.Storage
}

func NewRefreshIssuer(db storage.Storage) *RefreshIssuer {
	return &RefreshIssuer{db: db}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Mint issues a new refresh token for (userID, clientID) and persists its
// hash.
func (r *RefreshIssuer) Mint(ctx context.Context, userID, clientID string) (string, error) {
	plain, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	rt := storage.RefreshToken{
		ID:       crypto.HashToken(plain),
		UserID:   userID,
		ClientID: clientID,
		Expiry:   time.Now().UTC().Add(RefreshLifetime),
	}
	if err := r.db.CreateRefreshToken(ctx, rt); err != nil {
		return "", err
	}
	return plain, nil
}

// ErrReplay is returned by Rotate when the presented token had already been
// revoked — a signal the token was replayed, not merely expired.
var ErrReplay = errors.New("refresh token replay detected")

// Rotate atomically revokes oldPlain and mints a replacement for the same
// (userID, clientID). If oldPlain names an unknown or expired token, the
// storage error (storage.ErrNotFound) is returned. If it names an
// already-revoked token, every refresh token of its (user, client) pair is
// revoked and ErrReplay is returned, since a replayed refresh token is
// itself a compromise signal. The HTTP layer answers invalid_grant for
// both without distinguishing the cause.
func (r *RefreshIssuer) Rotate(ctx context.Context, oldPlain, userID, clientID string) (string, error) {
	oldHash := crypto.HashToken(oldPlain)

	// Distinguish "never existed / wrong owner" from "exists but already
	// revoked", to decide whether to nuke the family — the client-visible
	// invalid_grant response is identical either way.
	existing, getErr := r.db.GetRefreshToken(ctx, oldHash)
	replay := getErr == nil && existing.Revoked

	plain, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	next := storage.RefreshToken{
		ID:       crypto.HashToken(plain),
		UserID:   userID,
		ClientID: clientID,
		Expiry:   time.Now().UTC().Add(RefreshLifetime),
	}

	err = r.db.RotateRefreshToken(ctx, oldHash, next, time.Now().UTC())
	if err != nil {
		if replay {
			// Revoke every refresh token issued to this (user, client) pair;
			// the presented token's reuse means it, or its successor chain,
			// leaked.
			_ = r.db.RevokeAllRefreshTokens(ctx, existing.UserID, existing.ClientID)
			return "", ErrReplay
		}
		return "", err
	}
	return plain, nil
}
