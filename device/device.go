// Package device implements the RFC 8628 device-authorization grant:
// minting (device_code, user_code) pairs, the authorization-page
// approve/deny ceremony, and the polling semantics the token endpoint
// uses to answer CLI clients.
package device

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/AutumnsGrove/groveauth/pkg/crypto"
	"github.com/AutumnsGrove/groveauth/storage"
)

const (
	// Lifetime is the device code's absolute expiry.
	Lifetime = 15 * time.Minute
	// Interval is the minimum seconds between polls the client is told to
	// respect.
	Interval = 5 * time.Second

	userCodeLength      = 8
	maxCollisionRetries = 5
)

// userCodeAlphabet avoids vowels (no accidental words) and 0/O/1/I/L (no
// visually confusable characters).
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

var (
	ErrAuthorizationPending = errors.New("authorization_pending")
	ErrSlowDown             = errors.New("slow_down")
	ErrAccessDenied         = errors.New("access_denied")
	ErrExpiredToken         = errors.New("expired_token")
)

type Engine struct {
	db              storage.Storage
	verificationURI string
}

// New returns an Engine. verificationURI is the page users are sent to
// (e.g. "https://auth.example.com/auth/device") to enter their user code.
func New(db storage.Storage, verificationURI string) *Engine {
	return &Engine{db: db, verificationURI: verificationURI}
}

// MintResult is the public shape returned from the device-code endpoint.
type MintResult struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int
	Interval                int
}

// Mint generates a device_code/user_code pair for clientID/scope, retrying
// user_code generation up to 5 times on collision with a still-live record.
func (e *Engine) Mint(ctx context.Context, clientID, scope string) (MintResult, error) {
	deviceCode, err := randomDeviceCode()
	if err != nil {
		return MintResult{}, fmt.Errorf("generate device code: %w", err)
	}

	var userCode string
	now := time.Now().UTC()
	for attempt := 0; attempt < maxCollisionRetries; attempt++ {
		candidate, err := randomUserCode()
		if err != nil {
			return MintResult{}, fmt.Errorf("generate user code: %w", err)
		}
		live, err := e.db.UserCodeLive(ctx, candidate, now)
		if err != nil {
			return MintResult{}, err
		}
		if !live {
			userCode = candidate
			break
		}
	}
	if userCode == "" {
		return MintResult{}, errors.New("could not generate a unique user code")
	}

	d := storage.DeviceCode{
		DeviceCodeHash: crypto.HashToken(deviceCode),
		UserCode:       userCode,
		ClientID:       clientID,
		Scope:          scope,
		Expiry:         now.Add(Lifetime),
		Interval:       Interval,
		Status:         storage.DeviceStatusPending,
	}
	if err := e.db.CreateDeviceCode(ctx, d); err != nil {
		return MintResult{}, err
	}

	return MintResult{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         e.verificationURI,
		VerificationURIComplete: fmt.Sprintf("%s?user_code=%s", e.verificationURI, userCode),
		ExpiresIn:               int(Lifetime.Seconds()),
		Interval:                int(Interval.Seconds()),
	}, nil
}

// Lookup fetches an unexpired record, whatever its status, by its
// user-facing code, for the authorization page to render {client name,
// user code}.
func (e *Engine) Lookup(ctx context.Context, userCode string) (storage.DeviceCode, error) {
	d, err := e.db.GetDeviceCodeByUserCode(ctx, userCode)
	if err != nil {
		return storage.DeviceCode{}, err
	}
	if time.Now().UTC().After(d.Expiry) {
		return storage.DeviceCode{}, storage.ErrNotFound
	}
	return d, nil
}

// Decide transitions a pending record to authorized or denied. isAllowed
// must reflect the allowlist check re-run at decision time — a user whose
// membership lapsed between login and approval is rejected even if their
// session is otherwise valid.
func (e *Engine) Decide(ctx context.Context, userCode, userID string, approve, isAllowed bool) error {
	d, err := e.Lookup(ctx, userCode)
	if err != nil {
		return err
	}
	if d.Status != storage.DeviceStatusPending {
		return errors.New("device code already decided")
	}
	if !isAllowed {
		return e.db.UpdateDeviceCodeStatus(ctx, d.DeviceCodeHash, storage.DeviceStatusDenied, userID)
	}
	if approve {
		return e.db.UpdateDeviceCodeStatus(ctx, d.DeviceCodeHash, storage.DeviceStatusAuthorized, userID)
	}
	return e.db.UpdateDeviceCodeStatus(ctx, d.DeviceCodeHash, storage.DeviceStatusDenied, userID)
}

// Poll answers a token-endpoint poll for deviceCode. lastPollAt is the
// time of this client's previous poll (zero if this is the first);
// polling faster than the record's Interval yields ErrSlowDown.
func (e *Engine) Poll(ctx context.Context, deviceCode string, lastPollAt time.Time) (storage.DeviceCode, error) {
	d, err := e.db.GetDeviceCodeByHash(ctx, crypto.HashToken(deviceCode))
	if err != nil {
		return storage.DeviceCode{}, ErrExpiredToken
	}

	now := time.Now().UTC()
	if now.After(d.Expiry) {
		return storage.DeviceCode{}, ErrExpiredToken
	}
	if !lastPollAt.IsZero() && now.Sub(lastPollAt) < d.Interval {
		return storage.DeviceCode{}, ErrSlowDown
	}

	switch d.Status {
	case storage.DeviceStatusAuthorized:
		return d, nil
	case storage.DeviceStatusDenied:
		return storage.DeviceCode{}, ErrAccessDenied
	case storage.DeviceStatusExpired:
		return storage.DeviceCode{}, ErrExpiredToken
	default:
		return storage.DeviceCode{}, ErrAuthorizationPending
	}
}

func randomDeviceCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomUserCode() (string, error) {
	out := make([]byte, userCodeLength)
	max := big.NewInt(int64(len(userCodeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = userCodeAlphabet[n.Int64()]
	}
	return string(out[:4]) + "-" + string(out[4:]), nil
}
