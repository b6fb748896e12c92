// Package ratelimit implements the fixed-window counters shared by every
// ceremony: check(scope, subject, limit, window) -> allowed/remaining/reset.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/AutumnsGrove/groveauth/storage"
)

// Scope names the rate-limited operation. Subject is scoped per call —
// client IP, email, or "IP:client_id" depending on the scope (see Check's
// callers); the limiter itself is subject-agnostic.
type Scope string

const (
	ScopeMagicIP      Scope = "magic_ip"
	ScopeMagicEmail   Scope = "magic_email"
	ScopeToken        Scope = "token"
	ScopeVerify       Scope = "verify"
	ScopeAdmin        Scope = "admin"
	ScopeDeviceInit   Scope = "device_init"
	ScopeSessionGen   Scope = "session_validate"
	ScopeSessionRevAl Scope = "session_revoke_all"
)

// Result is the outcome of a Check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Checker is implemented by both Limiter (storage.Storage-backed, single
// process) and RedisLimiter (Redis-backed, shared across replicas).
type Checker interface {
	Check(ctx context.Context, scope Scope, subject string, limit int, window time.Duration) (Result, error)
}

var (
	_ Checker = (*Limiter)(nil)
	_ Checker = (*RedisLimiter)(nil)
)

// Limiter checks and increments fixed-window counters. db is the shared
// store; clock is injectable so tests can control window boundaries
// without sleeping.
type Limiter struct {
	db    storage.Storage
	clock clockwork.Clock
}

// New returns a Limiter backed by db using the real clock.
func New(db storage.Storage) *Limiter {
	return &Limiter{db: db, clock: clockwork.NewRealClock()}
}

// NewWithClock is the test-seam constructor.
func NewWithClock(db storage.Storage, clock clockwork.Clock) *Limiter {
	return &Limiter{db: db, clock: clock}
}

// Check increments the (scope, subject) counter and reports whether this
// request should be admitted. Best-effort: transient over-admission under
// extreme contention is acceptable, under-admission is not.
func (l *Limiter) Check(ctx context.Context, scope Scope, subject string, limit int, window time.Duration) (Result, error) {
	key := fmt.Sprintf("%s:%s", scope, subject)
	now := l.clock.Now().UTC()

	rc, err := l.db.UpsertRateCounter(ctx, key, now, window)
	if err != nil {
		return Result{}, err
	}

	remaining := limit - rc.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   rc.Count <= limit,
		Remaining: remaining,
		ResetAt:   rc.WindowStart.Add(window),
	}, nil
}
