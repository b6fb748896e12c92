// Package storage defines the persistence interface shared by every
// ceremony in GroveAuth: clients, users, the allowlist, authorization
// codes, refresh tokens, magic codes, OAuth-state rows, device codes,
// failed-attempt rows, rate counters and audit entries.
//
// Implementations are required to perform the two atomic operations,
// ConsumeAuthCode and RecordFailedAttempt,
// as a single statement or transaction; every other method may be
// implemented as ordinary reads/writes since callers always re-verify
// expiry themselves.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrNotFound is returned by storages when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by storages on a duplicate create.
var ErrAlreadyExists = errors.New("already exists")

// NewID returns a random URL-safe identifier suitable for primary keys that
// are never meant to be secret (user IDs, session IDs, client IDs).
func NewID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Client is a registered OAuth2 client application.
//
// Clients are created out-of-band (allowlist-governed, not self-service)
// and are immutable from the core's perspective except by administrative
// migration — there is no dynamic client registration endpoint.
type Client struct {
	ID     string
	Name   string
	Secret string // bcrypt hash, never cleartext

	RedirectURIs   []string
	AllowedOrigins []string

	OwningDomain string
	IsInternal   bool // is_internal_service: receives the session cookie directly
}

// HasRedirectURI reports whether uri is one of the client's exact registered
// redirect URIs.
func (c Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// HasOrigin reports whether origin is one of the client's registered CORS
// origins.
func (c Client) HasOrigin(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// User is an end user materialized on first successful authentication.
type User struct {
	ID          string
	Email       string // always lowercased
	Name        string
	AvatarURL   string
	Provenance  string // which federated provider (or "magic") first created the row
	IsAdmin     bool
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// AllowlistEntry gates which emails may authenticate at all.
type AllowlistEntry struct {
	Email string // lowercased
}

// FederatedIdentity links a user to one external provider's subject and
// holds that provider's tokens encrypted at rest — the connector_data
// equivalent. ProviderToken is plaintext only in memory; storages are
// responsible for encrypting it before persisting.
type FederatedIdentity struct {
	Provider      string // e.g. "google", "github"
	Subject       string // provider-side user ID
	UserID        string
	ProviderToken []byte // encrypted at rest by the storage implementation
	CreatedAt     time.Time
}

// PKCE holds the Proof Key for Code Exchange challenge bound to an
// authorization code. PKCE is mandatory: a code minted without one can never
// be exchanged.
type PKCE struct {
	CodeChallenge       string
	CodeChallengeMethod string // "S256" only; "plain" is not accepted
}

// AuthCode is a single-use authorization code bound to the client, user,
// redirect URI and PKCE challenge present when it was minted.
type AuthCode struct {
	ID          string // the code value itself; primary key
	ClientID    string
	UserID      string
	RedirectURI string
	PKCE        PKCE
	Expiry      time.Time
	Used        bool
}

// RefreshToken is stored by hash only; ID holds the token's hash, never
// its plaintext.
type RefreshToken struct {
	ID       string // hash(token)
	UserID   string
	ClientID string
	Expiry   time.Time
	Revoked  bool
}

// MagicCode is a six-digit, single-use, short-lived code scoped to an email.
type MagicCode struct {
	Email  string // lowercased
	Code   string // six digits
	Expiry time.Time
	Used   bool
}

// OAuthState is the pending federated-login ceremony's cookie-less state.
type OAuthState struct {
	State               string // internal opaque token; primary key
	ClientID            string
	RedirectURI         string
	OriginalState       string // the client's own state, echoed back verbatim
	CodeChallenge       string
	CodeChallengeMethod string
	Provider            string
	Expiry              time.Time
}

// DeviceStatus is the monotonic lifecycle of a device-code record.
type DeviceStatus string

const (
	DeviceStatusPending    DeviceStatus = "pending"
	DeviceStatusAuthorized DeviceStatus = "authorized"
	DeviceStatusDenied     DeviceStatus = "denied"
	DeviceStatusExpired    DeviceStatus = "expired"
)

// DeviceCode is an RFC 8628 device-authorization record. DeviceCodeHash is
// the CLI-side secret the client polls with; UserCode is the short string
// the user types into a browser and is plaintext by design (short-lived,
// rate-limited).
type DeviceCode struct {
	DeviceCodeHash string // hash(device_code); primary key
	UserCode       string // plaintext, unique among live records
	ClientID       string
	Scope          string
	Expiry         time.Time
	Interval       time.Duration
	Status         DeviceStatus
	UserID         string // set once approved
}

// FailedAttempt tracks consecutive verification failures for one email,
// used by the magic-code engine's lockout gate.
type FailedAttempt struct {
	Email       string // lowercased; primary key
	Count       int
	LastAttempt time.Time
	LockUntil   time.Time // zero value means not locked
}

// Locked reports whether the row is presently under lockout as of now.
func (f FailedAttempt) Locked(now time.Time) bool {
	return !f.LockUntil.IsZero() && now.Before(f.LockUntil)
}

// RateCounter is a fixed-window counter keyed by (scope, subject).
type RateCounter struct {
	Key         string // "scope:subject"
	Count       int
	WindowStart time.Time
}

// Session is one device's live login, held in the per-user shard keyed by
// UserID — see package session.
type Session struct {
	ID                string
	UserID            string
	DeviceFingerprint string
	DeviceName        string
	IP                string
	UserAgent         string
	CreatedAt         time.Time
	LastActiveAt      time.Time
	ExpiresAt         time.Time
	Revoked           bool
}

// Expired reports whether the session is no longer usable as of now.
func (s Session) Expired(now time.Time) bool {
	return s.Revoked || now.After(s.ExpiresAt)
}

// AuditEntry is an append-only forensic record. Never carries secrets,
// tokens or code bodies.
type AuditEntry struct {
	ID        string
	Kind      string
	UserID    string // optional
	ClientID  string // optional
	IP        string
	UserAgent string
	Details   []byte // JSON
	CreatedAt time.Time
}

// VerificationKey is a rotated-out signing key kept around only to validate
// signatures on tokens minted before rotation.
type VerificationKey struct {
	PublicKey *jose.JSONWebKey
	Expiry    time.Time
}

// Keys holds the server's current RS256 signing key plus any still-valid
// rotated-out verification keys.
type Keys struct {
	SigningKey       *jose.JSONWebKey
	SigningKeyPub    *jose.JSONWebKey
	VerificationKeys []VerificationKey
	NextRotation     time.Time
}

// GCResult reports how many expired rows an opportunistic sweep removed.
// Sweeps are a size-management optimization only — correctness never
// depends on one having run, since every read re-verifies expiry.
type GCResult struct {
	AuthCodes    int64
	MagicCodes   int64
	OAuthStates  int64
	DeviceCodes  int64
	RateCounters int64
}

// Storage is the persistence interface used by every ceremony. Individual
// backends (storage/sql, storage/memory) implement it.
type Storage interface {
	Close() error

	// Clients.
	CreateClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)
	VerifyClientSecret(ctx context.Context, id, secret string) (Client, bool, error)
	// ListClientsWithOrigin returns every client whose AllowedOrigins
	// contains origin, for the HTTP layer's dynamic per-client CORS check.
	ListClientsWithOrigin(ctx context.Context, origin string) ([]Client, error)

	// Users.
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpsertUser(ctx context.Context, u User) (User, error)

	// Allowlist.
	IsAllowed(ctx context.Context, email string) (bool, error)
	AddAllowlistEntry(ctx context.Context, email string) error

	// Federated identities. ProviderToken arrives in plaintext; the storage
	// encrypts it at rest (see FederatedIdentity).
	GetFederatedIdentity(ctx context.Context, provider, subject string) (FederatedIdentity, error)
	UpsertFederatedIdentity(ctx context.Context, f FederatedIdentity) error

	// Authorization codes.
	CreateAuthCode(ctx context.Context, c AuthCode) error
	// ConsumeAuthCode atomically marks the row used and returns it, but only
	// if it was pending, unexpired, and belonged to clientID. All failure
	// paths (not found, expired, already used, wrong client) return
	// ErrNotFound — callers must treat them identically to avoid an
	// enumeration oracle.
	ConsumeAuthCode(ctx context.Context, code, clientID string, now time.Time) (AuthCode, error)

	// Refresh tokens.
	CreateRefreshToken(ctx context.Context, r RefreshToken) error
	GetRefreshToken(ctx context.Context, hash string) (RefreshToken, error)
	// RotateRefreshToken atomically revokes old and inserts next, only if old
	// was found, unexpired and not already revoked. Returns ErrNotFound
	// otherwise (including replay of an already-revoked token).
	RotateRefreshToken(ctx context.Context, oldHash string, next RefreshToken, now time.Time) error
	RevokeRefreshToken(ctx context.Context, hash string) error
	RevokeAllRefreshTokens(ctx context.Context, userID, clientID string) error

	// Magic codes.
	CreateMagicCode(ctx context.Context, m MagicCode) error
	// ConsumeMagicCode atomically marks used and returns the row, only if it
	// matched (email, code), was unused and unexpired.
	ConsumeMagicCode(ctx context.Context, email, code string, now time.Time) (MagicCode, error)

	// Failed attempts.
	// RecordFailedAttempt increments count and, crossing threshold, sets
	// LockUntil, as a single transaction. Returns the row after the update.
	RecordFailedAttempt(ctx context.Context, email string, now time.Time, threshold int, lockFor time.Duration) (FailedAttempt, error)
	GetFailedAttempt(ctx context.Context, email string) (FailedAttempt, error)
	ClearFailedAttempts(ctx context.Context, email string) error

	// OAuth state.
	CreateOAuthState(ctx context.Context, s OAuthState) error
	// ConsumeOAuthState deletes and returns the row atomically; ErrNotFound
	// on replay or miss.
	ConsumeOAuthState(ctx context.Context, state string, now time.Time) (OAuthState, error)

	// Device codes.
	CreateDeviceCode(ctx context.Context, d DeviceCode) error
	GetDeviceCodeByHash(ctx context.Context, hash string) (DeviceCode, error)
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (DeviceCode, error)
	UserCodeLive(ctx context.Context, userCode string, now time.Time) (bool, error)
	UpdateDeviceCodeStatus(ctx context.Context, hash string, status DeviceStatus, userID string) error

	// Rate counters.
	GetRateCounter(ctx context.Context, key string) (RateCounter, error)
	// UpsertRateCounter atomically increments count within the current
	// window or resets to 1 in a new one, returning the resulting counter.
	UpsertRateCounter(ctx context.Context, key string, now time.Time, window time.Duration) (RateCounter, error)

	// Keys.
	GetKeys(ctx context.Context) (Keys, error)
	UpdateKeys(ctx context.Context, updater func(Keys) (Keys, error)) error

	// Sessions (durable backing for package session's shards).
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListUserSessions(ctx context.Context, userID string) ([]Session, error)
	TouchSession(ctx context.Context, id string, now time.Time) error
	RevokeSession(ctx context.Context, id string) error
	RevokeUserSessions(ctx context.Context, userID string, keep string) (int, error)

	// Audit.
	WriteAudit(ctx context.Context, e AuditEntry) error

	// GarbageCollect opportunistically deletes expired rows. Correctness
	// never depends on this being called.
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)
}
