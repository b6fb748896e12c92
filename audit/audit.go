// Package audit emits append-only forensic records for security-relevant
// events. Writes are fire-and-forget: a storage failure is logged but
// never propagated to the caller, so audit logging can never fail the
// request it is describing.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage"
)

// Event kinds. Every call site should use one of these constants rather
// than an ad-hoc string, so downstream consumers can rely on a closed set.
const (
	KindLoginSucceeded       = "login_succeeded"
	KindLoginFailed          = "login_failed"
	KindLogout               = "logout"
	KindTokenExchanged       = "token_exchanged"
	KindTokenRefreshed       = "token_refreshed"
	KindTokenRefreshReplayed = "token_refresh_replayed"
	KindTokenRevoked         = "token_revoked"
	KindMagicCodeSent        = "magic_code_sent"
	KindMagicCodeVerified    = "magic_code_verified"
	KindMagicCodeFailed      = "magic_code_failed"
	KindMagicCodeLocked      = "magic_code_locked"
	KindDeviceCodeCreated    = "device_code_created"
	KindDeviceCodeAuthorized = "device_code_authorized"
	KindDeviceCodeDenied     = "device_code_denied"
	KindFederatedLoginDenied = "federated_login_denied"
	KindSessionCreated       = "session_created"
	KindSessionRevoked       = "session_revoked"
	KindAllSessionsRevoked   = "all_sessions_revoked"
	KindRateLimitExceeded    = "rate_limit_exceeded"
)

// Event is what a call site builds; Details is marshaled to JSON before
// being persisted.
type Event struct {
	Kind      string
	UserID    string
	ClientID  string
	IP        string
	UserAgent string
	Details   interface{}
}

// Logger writes Events to storage.
type Logger struct {
	db     storage.Storage
	logger log.Logger
}

func New(db storage.Storage, logger log.Logger) *Logger {
	return &Logger{db: db, logger: logger}
}

// Log persists e. Any failure is logged at Error level and swallowed: a
// broken audit sink must never be the reason a login or token exchange
// fails.
func (l *Logger) Log(ctx context.Context, e Event) {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			l.logger.Errorf("audit: marshal details for %s: %v", e.Kind, err)
			details = nil
		}
	}

	entry := storage.AuditEntry{
		ID:        storage.NewID(),
		Kind:      e.Kind,
		UserID:    e.UserID,
		ClientID:  e.ClientID,
		IP:        e.IP,
		UserAgent: e.UserAgent,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}

	if err := l.db.WriteAudit(ctx, entry); err != nil {
		l.logger.Errorf("audit: write %s: %v", e.Kind, err)
	}
}
