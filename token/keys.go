package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage"
)

var errAlreadyRotated = errors.New("keys already rotated by another instance")

// RotationStrategy describes how often signing keys are rotated and how
// long a rotated-out key is kept around to verify tokens it already signed.
type RotationStrategy struct {
	Frequency      time.Duration
	VerifyValidFor time.Duration // must be >= access-token lifetime
}

// DefaultRotationStrategy rotates every 6 hours, keeping old keys valid for
// verification for 1 hour past rotation — equal to the 3600s access-token
// lifetime, so a token signed just before a rotation verifies until it
// expires.
func DefaultRotationStrategy() RotationStrategy {
	return RotationStrategy{Frequency: 6 * time.Hour, VerifyValidFor: time.Hour}
}

// KeyRotator periodically regenerates the RS256 signing key in storage.
type KeyRotator struct {
	db       storage.Storage
	strategy RotationStrategy
	now      func() time.Time
	logger   log.Logger
}

// NewKeyRotator returns a rotator. Call Rotate once at startup (to ensure a
// signing key exists) before starting the background loop.
func NewKeyRotator(db storage.Storage, strategy RotationStrategy, logger log.Logger) *KeyRotator {
	return &KeyRotator{db: db, strategy: strategy, now: time.Now, logger: logger}
}

// Run rotates immediately, then again every strategy.Frequency until ctx is
// canceled. Intended to be run under oklog/run alongside the HTTP server.
func (k *KeyRotator) Run(ctx context.Context) error {
	if err := k.Rotate(ctx); err != nil && !errors.Is(err, errAlreadyRotated) {
		k.logger.Errorf("key rotation failed: %v", err)
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := k.Rotate(ctx); err != nil && !errors.Is(err, errAlreadyRotated) {
				k.logger.Errorf("key rotation failed: %v", err)
			}
		}
	}
}

// Rotate generates a new signing key if the stored key is due for
// rotation, demoting the current signing key to a time-bounded
// verification-only key so tokens it already signed keep validating.
func (k *KeyRotator) Rotate(ctx context.Context) error {
	keys, err := k.db.GetKeys(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get keys: %w", err)
	}
	if k.now().Before(keys.NextRotation) {
		return nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	idBytes := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, idBytes); err != nil {
		return fmt.Errorf("generate key id: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)

	signingKey := &jose.JSONWebKey{Key: priv, KeyID: keyID, Algorithm: "RS256", Use: "sig"}
	signingKeyPub := &jose.JSONWebKey{Key: priv.Public(), KeyID: keyID, Algorithm: "RS256", Use: "sig"}

	var nextRotation time.Time
	err = k.db.UpdateKeys(ctx, func(cur storage.Keys) (storage.Keys, error) {
		now := k.now()
		if now.Before(cur.NextRotation) {
			return storage.Keys{}, errAlreadyRotated
		}

		live := cur.VerificationKeys[:0]
		for _, vk := range cur.VerificationKeys {
			if now.Before(vk.Expiry) {
				live = append(live, vk)
			}
		}
		if cur.SigningKeyPub != nil {
			live = append(live, storage.VerificationKey{
				PublicKey: cur.SigningKeyPub,
				Expiry:    now.Add(k.strategy.VerifyValidFor),
			})
		}

		nextRotation = now.Add(k.strategy.Frequency)
		return storage.Keys{
			SigningKey:       signingKey,
			SigningKeyPub:    signingKeyPub,
			VerificationKeys: live,
			NextRotation:     nextRotation,
		}, nil
	})
	if err != nil {
		return err
	}
	k.logger.Infof("signing keys rotated, next rotation %s", nextRotation)
	return nil
}
