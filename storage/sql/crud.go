package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/AutumnsGrove/groveauth/pkg/crypto"
	"github.com/AutumnsGrove/groveauth/storage"
)

// encoder/decoder are thin database/sql JSON adapters: jsonEncoder
// implements driver.Valuer, jsonDecoder implements sql.Scanner, so a Go
// value can round-trip through a jsonb column without manual marshaling at
// every call site.
func encoder(v interface{}) driver.Valuer { return jsonEncoder{v} }
func decoder(v interface{}) sql.Scanner   { return jsonDecoder{v} }

type jsonEncoder struct{ v interface{} }

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

type jsonDecoder struct{ v interface{} }

func (j jsonDecoder) Scan(src interface{}) error {
	if src == nil {
		return errors.New("nil value")
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte, got %T", src)
	}
	return json.Unmarshal(b, j.v)
}

const keysRowID = "keys"

// --- Clients ---------------------------------------------------------------

func (c *conn) CreateClient(ctx context.Context, cl storage.Client) error {
	_, err := c.db.ExecContext(ctx, `
		insert into client (id, name, secret_hash, redirect_uris, allowed_origins, owning_domain, is_internal)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		cl.ID, cl.Name, cl.Secret, pq.Array(cl.RedirectURIs), pq.Array(cl.AllowedOrigins), cl.OwningDomain, cl.IsInternal)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) GetClient(ctx context.Context, id string) (storage.Client, error) {
	return scanClient(c.db.QueryRowContext(ctx, `
		select id, name, secret_hash, redirect_uris, allowed_origins, owning_domain, is_internal
		from client where id = $1`, id))
}

func scanClient(row *sql.Row) (storage.Client, error) {
	var cl storage.Client
	err := row.Scan(&cl.ID, &cl.Name, &cl.Secret, pq.Array(&cl.RedirectURIs), pq.Array(&cl.AllowedOrigins), &cl.OwningDomain, &cl.IsInternal)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Client{}, storage.ErrNotFound
	}
	return cl, err
}

func (c *conn) VerifyClientSecret(ctx context.Context, id, secret string) (storage.Client, bool, error) {
	cl, err := c.GetClient(ctx, id)
	if err != nil {
		return storage.Client{}, false, err
	}
	return cl, crypto.VerifySecret(cl.Secret, secret), nil
}

// ListClientsWithOrigin scans every client row; GroveAuth's expected client
// count (tens, not thousands) makes an index unnecessary.
func (c *conn) ListClientsWithOrigin(ctx context.Context, origin string) ([]storage.Client, error) {
	rows, err := c.db.QueryContext(ctx, `
		select id, name, secret_hash, redirect_uris, allowed_origins, owning_domain, is_internal
		from client where $1 = any(allowed_origins)`, origin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Client
	for rows.Next() {
		var cl storage.Client
		if err := rows.Scan(&cl.ID, &cl.Name, &cl.Secret, pq.Array(&cl.RedirectURIs), pq.Array(&cl.AllowedOrigins), &cl.OwningDomain, &cl.IsInternal); err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

// --- Users -------------------------------------------------------------

func (c *conn) GetUser(ctx context.Context, id string) (storage.User, error) {
	return scanUser(c.db.QueryRowContext(ctx, `
		select id, email, name, avatar_url, provenance, is_admin, created_at, last_login_at
		from app_user where id = $1`, id))
}

func (c *conn) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	return scanUser(c.db.QueryRowContext(ctx, `
		select id, email, name, avatar_url, provenance, is_admin, created_at, last_login_at
		from app_user where email = $1`, email))
}

func scanUser(row *sql.Row) (storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.AvatarURL, &u.Provenance, &u.IsAdmin, &u.CreatedAt, &u.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	return u, err
}

// UpsertUser creates the row on first login or updates the mutable profile
// fields and LastLoginAt on every subsequent one.
func (c *conn) UpsertUser(ctx context.Context, u storage.User) (storage.User, error) {
	if u.ID == "" {
		u.ID = storage.NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		insert into app_user (id, email, name, avatar_url, provenance, is_admin, created_at, last_login_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (email) do update set
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			last_login_at = excluded.last_login_at
		`, u.ID, u.Email, u.Name, u.AvatarURL, u.Provenance, u.IsAdmin, u.CreatedAt, u.LastLoginAt)
	if err != nil {
		return storage.User{}, err
	}
	return c.GetUserByEmail(ctx, u.Email)
}

// --- Allowlist ---------------------------------------------------------

func (c *conn) IsAllowed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `select exists(select 1 from allowlist_entry where email = $1)`, email).Scan(&exists)
	return exists, err
}

func (c *conn) AddAllowlistEntry(ctx context.Context, email string) error {
	_, err := c.db.ExecContext(ctx, `insert into allowlist_entry (email) values ($1) on conflict do nothing`, email)
	return err
}

// --- Federated identities ---------------------------------------------

// GetFederatedIdentity decrypts ProviderToken before returning it; it is
// stored encrypted under the field-encryption subkey so a database-only
// leak never exposes upstream provider tokens.
func (c *conn) GetFederatedIdentity(ctx context.Context, provider, subject string) (storage.FederatedIdentity, error) {
	var f storage.FederatedIdentity
	var encrypted []byte
	err := c.db.QueryRowContext(ctx, `
		select provider, subject, user_id, provider_token, created_at
		from federated_identity where provider = $1 and subject = $2`, provider, subject).
		Scan(&f.Provider, &f.Subject, &f.UserID, &encrypted, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.FederatedIdentity{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.FederatedIdentity{}, err
	}
	if len(encrypted) > 0 {
		f.ProviderToken, err = crypto.Decrypt(encrypted, c.fieldKey)
		if err != nil {
			return storage.FederatedIdentity{}, fmt.Errorf("decrypt provider token: %w", err)
		}
	}
	return f, nil
}

func (c *conn) UpsertFederatedIdentity(ctx context.Context, f storage.FederatedIdentity) error {
	var encrypted []byte
	if len(f.ProviderToken) > 0 {
		var err error
		encrypted, err = crypto.Encrypt(f.ProviderToken, c.fieldKey)
		if err != nil {
			return fmt.Errorf("encrypt provider token: %w", err)
		}
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		insert into federated_identity (provider, subject, user_id, provider_token, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict (provider, subject) do update set
			user_id = excluded.user_id,
			provider_token = excluded.provider_token
		`, f.Provider, f.Subject, f.UserID, encrypted, f.CreatedAt)
	return err
}

// --- Authorization codes -------------------------------------------------

func (c *conn) CreateAuthCode(ctx context.Context, a storage.AuthCode) error {
	_, err := c.db.ExecContext(ctx, `
		insert into auth_code (id, client_id, user_id, redirect_uri, code_challenge, code_challenge_method, expiry, used)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ClientID, a.UserID, a.RedirectURI, a.PKCE.CodeChallenge, a.PKCE.CodeChallengeMethod, a.Expiry, a.Used)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

// ConsumeAuthCode marks a code used and returns it in one statement, so a
// racing second exchange of the same code always loses. Every failure path
// — missing, wrong client, expired, already used — collapses to
// ErrNotFound so the caller can't distinguish "never existed" from
// "already redeemed".
func (c *conn) ConsumeAuthCode(ctx context.Context, code, clientID string, now time.Time) (storage.AuthCode, error) {
	var a storage.AuthCode
	err := c.db.QueryRowContext(ctx, `
		update auth_code set used = true
		where id = $1 and client_id = $2 and used = false and expiry > $3
		returning id, client_id, user_id, redirect_uri, code_challenge, code_challenge_method, expiry, used
		`, code, clientID, now).Scan(
		&a.ID, &a.ClientID, &a.UserID, &a.RedirectURI, &a.PKCE.CodeChallenge, &a.PKCE.CodeChallengeMethod, &a.Expiry, &a.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.AuthCode{}, storage.ErrNotFound
	}
	return a, err
}

// --- Refresh tokens ------------------------------------------------------

func (c *conn) CreateRefreshToken(ctx context.Context, r storage.RefreshToken) error {
	_, err := c.db.ExecContext(ctx, `
		insert into refresh_token (id, user_id, client_id, expiry, revoked)
		values ($1, $2, $3, $4, $5)`, r.ID, r.UserID, r.ClientID, r.Expiry, r.Revoked)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) GetRefreshToken(ctx context.Context, hash string) (storage.RefreshToken, error) {
	var r storage.RefreshToken
	err := c.db.QueryRowContext(ctx, `
		select id, user_id, client_id, expiry, revoked from refresh_token where id = $1`, hash).
		Scan(&r.ID, &r.UserID, &r.ClientID, &r.Expiry, &r.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return r, err
}

// RotateRefreshToken revokes oldHash and inserts next as a single
// transaction. If oldHash is not found, already revoked, or expired, the
// whole rotation fails with ErrNotFound — a caller presented with a
// replayed token must never be allowed to mint a new one from it.
func (c *conn) RotateRefreshToken(ctx context.Context, oldHash string, next storage.RefreshToken, now time.Time) error {
	return execTx(c.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			update refresh_token set revoked = true
			where id = $1 and revoked = false and expiry > $2`, oldHash, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		_, err = tx.Exec(`
			insert into refresh_token (id, user_id, client_id, expiry, revoked)
			values ($1, $2, $3, $4, $5)`, next.ID, next.UserID, next.ClientID, next.Expiry, next.Revoked)
		return err
	})
}

func (c *conn) RevokeRefreshToken(ctx context.Context, hash string) error {
	_, err := c.db.ExecContext(ctx, `update refresh_token set revoked = true where id = $1`, hash)
	return err
}

func (c *conn) RevokeAllRefreshTokens(ctx context.Context, userID, clientID string) error {
	_, err := c.db.ExecContext(ctx, `
		update refresh_token set revoked = true where user_id = $1 and client_id = $2`, userID, clientID)
	return err
}

// --- Magic codes ---------------------------------------------------------

func (c *conn) CreateMagicCode(ctx context.Context, m storage.MagicCode) error {
	_, err := c.db.ExecContext(ctx, `
		insert into magic_code (email, code, expiry, used) values ($1, $2, $3, $4)`,
		m.Email, m.Code, m.Expiry, m.Used)
	return err
}

// ConsumeMagicCode marks the (email, code) pair used and returns it
// atomically; any mismatch, expiry, or replay returns ErrNotFound so the
// caller's response is indistinguishable from "wrong code".
func (c *conn) ConsumeMagicCode(ctx context.Context, email, code string, now time.Time) (storage.MagicCode, error) {
	var m storage.MagicCode
	err := c.db.QueryRowContext(ctx, `
		update magic_code set used = true
		where email = $1 and code = $2 and used = false and expiry > $3
		returning email, code, expiry, used`, email, code, now).
		Scan(&m.Email, &m.Code, &m.Expiry, &m.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.MagicCode{}, storage.ErrNotFound
	}
	return m, err
}

// --- Failed attempts -------------------------------------------------------

// RecordFailedAttempt increments the strike counter and, on crossing
// threshold, sets LockUntil, as a single upsert statement so two
// concurrent failures can never both observe a pre-lockout count.
func (c *conn) RecordFailedAttempt(ctx context.Context, email string, now time.Time, threshold int, lockFor time.Duration) (storage.FailedAttempt, error) {
	var f storage.FailedAttempt
	var lockUntil sql.NullTime
	err := c.db.QueryRowContext(ctx, `
		insert into failed_attempt (email, count, last_attempt, lock_until)
		values ($1, 1, $2, null)
		on conflict (email) do update set
			count = failed_attempt.count + 1,
			last_attempt = $2,
			lock_until = case when failed_attempt.count + 1 >= $3 then $2 + $4 else failed_attempt.lock_until end
		returning email, count, last_attempt, lock_until
		`, email, now, threshold, fmt.Sprintf("%d microseconds", lockFor.Microseconds())).Scan(&f.Email, &f.Count, &f.LastAttempt, &lockUntil)
	if lockUntil.Valid {
		f.LockUntil = lockUntil.Time
	}
	return f, err
}

func (c *conn) GetFailedAttempt(ctx context.Context, email string) (storage.FailedAttempt, error) {
	var f storage.FailedAttempt
	var lockUntil sql.NullTime
	err := c.db.QueryRowContext(ctx, `
		select email, count, last_attempt, lock_until from failed_attempt where email = $1`, email).
		Scan(&f.Email, &f.Count, &f.LastAttempt, &lockUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.FailedAttempt{}, nil
	}
	if lockUntil.Valid {
		f.LockUntil = lockUntil.Time
	}
	return f, err
}

func (c *conn) ClearFailedAttempts(ctx context.Context, email string) error {
	_, err := c.db.ExecContext(ctx, `delete from failed_attempt where email = $1`, email)
	return err
}

// --- OAuth state -----------------------------------------------------------

func (c *conn) CreateOAuthState(ctx context.Context, s storage.OAuthState) error {
	_, err := c.db.ExecContext(ctx, `
		insert into oauth_state (state, client_id, redirect_uri, original_state, code_challenge, code_challenge_method, provider, expiry)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.State, s.ClientID, s.RedirectURI, s.OriginalState, s.CodeChallenge, s.CodeChallengeMethod, s.Provider, s.Expiry)
	return err
}

func (c *conn) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (storage.OAuthState, error) {
	var s storage.OAuthState
	err := c.db.QueryRowContext(ctx, `
		delete from oauth_state where state = $1 and expiry > $2
		returning state, client_id, redirect_uri, original_state, code_challenge, code_challenge_method, provider, expiry`,
		state, now).Scan(&s.State, &s.ClientID, &s.RedirectURI, &s.OriginalState, &s.CodeChallenge, &s.CodeChallengeMethod, &s.Provider, &s.Expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.OAuthState{}, storage.ErrNotFound
	}
	return s, err
}

// --- Device codes ------------------------------------------------------

func (c *conn) CreateDeviceCode(ctx context.Context, d storage.DeviceCode) error {
	_, err := c.db.ExecContext(ctx, `
		insert into device_code (device_code_hash, user_code, client_id, scope, expiry, interval_seconds, status, user_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.DeviceCodeHash, d.UserCode, d.ClientID, d.Scope, d.Expiry, int(d.Interval.Seconds()), string(d.Status), d.UserID)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) GetDeviceCodeByHash(ctx context.Context, hash string) (storage.DeviceCode, error) {
	return scanDeviceCode(c.db.QueryRowContext(ctx, `
		select device_code_hash, user_code, client_id, scope, expiry, interval_seconds, status, user_id
		from device_code where device_code_hash = $1`, hash))
}

func (c *conn) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (storage.DeviceCode, error) {
	return scanDeviceCode(c.db.QueryRowContext(ctx, `
		select device_code_hash, user_code, client_id, scope, expiry, interval_seconds, status, user_id
		from device_code where user_code = $1`, userCode))
}

func scanDeviceCode(row *sql.Row) (storage.DeviceCode, error) {
	var d storage.DeviceCode
	var status string
	var seconds int
	err := row.Scan(&d.DeviceCodeHash, &d.UserCode, &d.ClientID, &d.Scope, &d.Expiry, &seconds, &status, &d.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DeviceCode{}, storage.ErrNotFound
	}
	d.Status = storage.DeviceStatus(status)
	d.Interval = time.Duration(seconds) * time.Second
	return d, err
}

func (c *conn) UserCodeLive(ctx context.Context, userCode string, now time.Time) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `
		select exists(select 1 from device_code where user_code = $1 and expiry > $2)`, userCode, now).Scan(&exists)
	return exists, err
}

func (c *conn) UpdateDeviceCodeStatus(ctx context.Context, hash string, status storage.DeviceStatus, userID string) error {
	_, err := c.db.ExecContext(ctx, `
		update device_code set status = $2, user_id = $3 where device_code_hash = $1`, hash, string(status), userID)
	return err
}

// --- Rate counters -------------------------------------------------------

func (c *conn) GetRateCounter(ctx context.Context, key string) (storage.RateCounter, error) {
	var r storage.RateCounter
	err := c.db.QueryRowContext(ctx, `select key, count, window_start from rate_counter where key = $1`, key).
		Scan(&r.Key, &r.Count, &r.WindowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RateCounter{Key: key}, nil
	}
	return r, err
}

// UpsertRateCounter advances a fixed window: inside the current window it
// increments, outside it resets to 1 and rebases WindowStart to now. Both
// branches happen in the same statement so two concurrent requests racing
// across a window boundary still converge on one consistent count.
func (c *conn) UpsertRateCounter(ctx context.Context, key string, now time.Time, window time.Duration) (storage.RateCounter, error) {
	var r storage.RateCounter
	err := c.db.QueryRowContext(ctx, `
		insert into rate_counter (key, count, window_start)
		values ($1, 1, $2)
		on conflict (key) do update set
			count = case when rate_counter.window_start + $3 > $2 then rate_counter.count + 1 else 1 end,
			window_start = case when rate_counter.window_start + $3 > $2 then rate_counter.window_start else $2 end
		returning key, count, window_start
		`, key, now, fmt.Sprintf("%d microseconds", window.Microseconds())).Scan(&r.Key, &r.Count, &r.WindowStart)
	return r, err
}

// --- Keys ------------------------------------------------------------------

func (c *conn) GetKeys(ctx context.Context) (storage.Keys, error) {
	var k storage.Keys
	err := c.db.QueryRowContext(ctx, `select data from signing_keys where id = $1`, keysRowID).Scan(decoder(&k))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Keys{}, storage.ErrNotFound
	}
	return k, err
}

// UpdateKeys runs updater inside a transaction holding a row lock on the
// keys row, so two rotators racing (e.g. two replicas' rotation timers
// firing close together) serialize instead of clobbering each other.
func (c *conn) UpdateKeys(ctx context.Context, updater func(storage.Keys) (storage.Keys, error)) error {
	return execTx(c.db, func(tx *sql.Tx) error {
		var cur storage.Keys
		row := tx.QueryRow(`select data from signing_keys where id = $1 for update`, keysRowID)
		err := row.Scan(decoder(&cur))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		next, err := updater(cur)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			insert into signing_keys (id, data, updated_at) values ($1, $2, now())
			on conflict (id) do update set data = excluded.data, updated_at = excluded.updated_at
			`, keysRowID, encoder(next))
		return err
	})
}

// --- Sessions ------------------------------------------------------------

func (c *conn) CreateSession(ctx context.Context, s storage.Session) error {
	_, err := c.db.ExecContext(ctx, `
		insert into session (id, user_id, device_fingerprint, device_name, ip, user_agent, created_at, last_active_at, expires_at, revoked)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.UserID, s.DeviceFingerprint, s.DeviceName, s.IP, s.UserAgent, s.CreatedAt, s.LastActiveAt, s.ExpiresAt, s.Revoked)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) GetSession(ctx context.Context, id string) (storage.Session, error) {
	var s storage.Session
	err := c.db.QueryRowContext(ctx, `
		select id, user_id, device_fingerprint, device_name, ip, user_agent, created_at, last_active_at, expires_at, revoked
		from session where id = $1`, id).
		Scan(&s.ID, &s.UserID, &s.DeviceFingerprint, &s.DeviceName, &s.IP, &s.UserAgent, &s.CreatedAt, &s.LastActiveAt, &s.ExpiresAt, &s.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Session{}, storage.ErrNotFound
	}
	return s, err
}

func (c *conn) ListUserSessions(ctx context.Context, userID string) ([]storage.Session, error) {
	rows, err := c.db.QueryContext(ctx, `
		select id, user_id, device_fingerprint, device_name, ip, user_agent, created_at, last_active_at, expires_at, revoked
		from session where user_id = $1 order by last_active_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Session
	for rows.Next() {
		var s storage.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.DeviceFingerprint, &s.DeviceName, &s.IP, &s.UserAgent, &s.CreatedAt, &s.LastActiveAt, &s.ExpiresAt, &s.Revoked); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *conn) TouchSession(ctx context.Context, id string, now time.Time) error {
	_, err := c.db.ExecContext(ctx, `update session set last_active_at = $2 where id = $1`, id, now)
	return err
}

func (c *conn) RevokeSession(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `update session set revoked = true where id = $1`, id)
	return err
}

func (c *conn) RevokeUserSessions(ctx context.Context, userID string, keep string) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		update session set revoked = true where user_id = $1 and id != $2 and revoked = false`, userID, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Audit -----------------------------------------------------------------

func (c *conn) WriteAudit(ctx context.Context, e storage.AuditEntry) error {
	if e.ID == "" {
		e.ID = storage.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		insert into audit_entry (id, kind, user_id, client_id, ip, user_agent, details, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Kind, e.UserID, e.ClientID, e.IP, e.UserAgent, jsonOrEmpty(e.Details), e.CreatedAt)
	return err
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

// --- GC --------------------------------------------------------------------

func (c *conn) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	var r storage.GCResult
	var err error
	if r.AuthCodes, err = deleteExpired(ctx, c.db, `delete from auth_code where expiry < $1`, now); err != nil {
		return r, err
	}
	if r.MagicCodes, err = deleteExpired(ctx, c.db, `delete from magic_code where expiry < $1`, now); err != nil {
		return r, err
	}
	if r.OAuthStates, err = deleteExpired(ctx, c.db, `delete from oauth_state where expiry < $1`, now); err != nil {
		return r, err
	}
	if r.DeviceCodes, err = deleteExpired(ctx, c.db, `delete from device_code where expiry < $1`, now); err != nil {
		return r, err
	}
	if r.RateCounters, err = deleteExpired(ctx, c.db, `delete from rate_counter where window_start < $1`, now.Add(-24*time.Hour)); err != nil {
		return r, err
	}
	return r, nil
}

func deleteExpired(ctx context.Context, db *sql.DB, query string, arg time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "unique_violation"
}
