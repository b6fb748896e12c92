// Package magiccode implements the six-digit email authentication
// ceremony: anti-enumeration Send, and Verify with failed-attempt lockout.
package magiccode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/AutumnsGrove/groveauth/authcode"
	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage"
)

// Lifetime is the absolute expiry of a freshly-sent code.
const Lifetime = 10 * time.Minute

// FailThreshold consecutive misses triggers LockDuration.
const (
	FailThreshold = 5
	LockDuration  = 15 * time.Minute
)

var (
	// ErrInvalidCode is returned by Verify on a miss that did not trigger
	// lockout.
	ErrInvalidCode = errors.New("invalid_code")
	// ErrAccountLocked carries the "account_locked" kind. Verify reports a
	// lockout as a *LockedError (same message) and never returns this value.
	ErrAccountLocked = errors.New("account_locked")
)

// LockedError carries the lockout expiry for the HTTP layer's 423 body.
type LockedError struct {
	LockedUntil time.Time
}

func (e *LockedError) Error() string { return "account_locked" }

// Mailer abstracts the out-of-scope email transport.
type Mailer interface {
	SendMagicCode(ctx context.Context, email, code string) error
}

type Engine struct {
	db       storage.Storage
	authCode *authcode.Engine
	mailer   Mailer
	logger   log.Logger
}

func New(db storage.Storage, authCode *authcode.Engine, mailer Mailer, logger log.Logger) *Engine {
	return &Engine{db: db, authCode: authCode, mailer: mailer, logger: logger}
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Send always succeeds from the caller's perspective — the body is
// identical whether or not the email exists, is allowlisted, or is locked.
// A code is only actually generated, persisted, and mailed when the email
// is allowlisted and not presently locked; callers are expected to have
// already applied IP- and email-scoped rate limits before calling Send.
func (e *Engine) Send(ctx context.Context, email string) {
	allowed, err := e.db.IsAllowed(ctx, email)
	if err != nil {
		e.logger.Errorf("magic send: allowlist check: %v", err)
		return
	}
	if !allowed {
		return
	}

	attempt, err := e.db.GetFailedAttempt(ctx, email)
	if err != nil {
		e.logger.Errorf("magic send: failed attempt lookup: %v", err)
		return
	}
	if attempt.Locked(time.Now().UTC()) {
		return
	}

	code, err := generateCode()
	if err != nil {
		e.logger.Errorf("magic send: generate code: %v", err)
		return
	}
	m := storage.MagicCode{
		Email:  email,
		Code:   code,
		Expiry: time.Now().UTC().Add(Lifetime),
	}
	if err := e.db.CreateMagicCode(ctx, m); err != nil {
		e.logger.Errorf("magic send: persist code: %v", err)
		return
	}

	// Email delivery failure never changes the (already-sent) response to
	// the caller; it is logged here at Warn level and is not written to
	// the audit log.
	if err := e.mailer.SendMagicCode(ctx, email, code); err != nil {
		e.logger.Warnf("magic send: mail delivery failed for %s: %v", email, err)
	}
}

// VerifyResult is returned on a successful Verify.
type VerifyResult struct {
	AuthCode string
	User     storage.User
}

// Verify checks (email, code) and, on success, materializes/updates the
// user and mints an authorization code bound to clientID/redirectURI.
func (e *Engine) Verify(ctx context.Context, email, code, clientID, redirectURI, codeChallenge, codeChallengeMethod string) (VerifyResult, error) {
	now := time.Now().UTC()

	attempt, err := e.db.GetFailedAttempt(ctx, email)
	if err != nil {
		return VerifyResult{}, err
	}
	if attempt.Locked(now) {
		return VerifyResult{}, &LockedError{LockedUntil: attempt.LockUntil}
	}

	_, err = e.db.ConsumeMagicCode(ctx, email, code, now)
	if err != nil {
		updated, recErr := e.db.RecordFailedAttempt(ctx, email, now, FailThreshold, LockDuration)
		if recErr != nil {
			return VerifyResult{}, recErr
		}
		if updated.Locked(now) {
			return VerifyResult{}, &LockedError{LockedUntil: updated.LockUntil}
		}
		return VerifyResult{}, ErrInvalidCode
	}

	if err := e.db.ClearFailedAttempts(ctx, email); err != nil {
		e.logger.Errorf("magic verify: clear failed attempts: %v", err)
	}

	user, err := e.db.UpsertUser(ctx, storage.User{
		Email:       email,
		Provenance:  "magic",
		LastLoginAt: now,
	})
	if err != nil {
		return VerifyResult{}, err
	}

	ac, err := e.authCode.Mint(ctx, clientID, user.ID, redirectURI, codeChallenge, codeChallengeMethod)
	if err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{AuthCode: ac, User: user}, nil
}
