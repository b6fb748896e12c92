package memory

import (
	"context"
	"time"

	"github.com/AutumnsGrove/groveauth/storage"
)

// --- Clients -----------------------------------------------------------

func (s *memStorage) CreateClient(ctx context.Context, c storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.clients[c.ID] = c
	return nil
}

func (s *memStorage) GetClient(ctx context.Context, id string) (storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return storage.Client{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStorage) VerifyClientSecret(ctx context.Context, id, secret string) (storage.Client, bool, error) {
	c, err := s.GetClient(ctx, id)
	if err != nil {
		return storage.Client{}, false, err
	}
	return c, verifySecretFunc(c.Secret, secret), nil
}

// verifySecretFunc is indirected so tests can substitute a trivial equality
// check without pulling bcrypt into test fixtures that never hash secrets.
var verifySecretFunc = defaultVerifySecret

func (s *memStorage) ListClientsWithOrigin(ctx context.Context, origin string) ([]storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Client
	for _, c := range s.clients {
		if c.HasOrigin(origin) {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- Users ---------------------------------------------------------------

func (s *memStorage) GetUser(ctx context.Context, id string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *memStorage) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *memStorage) UpsertUser(ctx context.Context, u storage.User) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.users {
		if existing.Email == u.Email {
			existing.Name = u.Name
			existing.AvatarURL = u.AvatarURL
			existing.LastLoginAt = u.LastLoginAt
			s.users[id] = existing
			return existing, nil
		}
	}
	if u.ID == "" {
		u.ID = storage.NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
	return u, nil
}

// --- Allowlist -----------------------------------------------------------

func (s *memStorage) IsAllowed(ctx context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.allowlist[email]
	return ok, nil
}

func (s *memStorage) AddAllowlistEntry(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowlist[email] = struct{}{}
	return nil
}

// --- Federated identities ------------------------------------------------

func (s *memStorage) GetFederatedIdentity(ctx context.Context, provider, subject string) (storage.FederatedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.federated[federatedKey{provider, subject}]
	if !ok {
		return storage.FederatedIdentity{}, storage.ErrNotFound
	}
	return f, nil
}

func (s *memStorage) UpsertFederatedIdentity(ctx context.Context, f storage.FederatedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.federated[federatedKey{f.Provider, f.Subject}] = f
	return nil
}

// --- Authorization codes ---------------------------------------------------

func (s *memStorage) CreateAuthCode(ctx context.Context, a storage.AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authCodes[a.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.authCodes[a.ID] = a
	return nil
}

func (s *memStorage) ConsumeAuthCode(ctx context.Context, code, clientID string, now time.Time) (storage.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authCodes[code]
	if !ok || a.ClientID != clientID || a.Used || now.After(a.Expiry) {
		return storage.AuthCode{}, storage.ErrNotFound
	}
	a.Used = true
	s.authCodes[code] = a
	return a, nil
}

// --- Refresh tokens --------------------------------------------------------

func (s *memStorage) CreateRefreshToken(ctx context.Context, r storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refreshToks[r.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.refreshToks[r.ID] = r
	return nil
}

func (s *memStorage) GetRefreshToken(ctx context.Context, hash string) (storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refreshToks[hash]
	if !ok {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *memStorage) RotateRefreshToken(ctx context.Context, oldHash string, next storage.RefreshToken, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.refreshToks[oldHash]
	if !ok || old.Revoked || now.After(old.Expiry) {
		return storage.ErrNotFound
	}
	old.Revoked = true
	s.refreshToks[oldHash] = old
	s.refreshToks[next.ID] = next
	return nil
}

func (s *memStorage) RevokeRefreshToken(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refreshToks[hash]
	if !ok {
		return nil
	}
	r.Revoked = true
	s.refreshToks[hash] = r
	return nil
}

func (s *memStorage) RevokeAllRefreshTokens(ctx context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.refreshToks {
		if r.UserID == userID && r.ClientID == clientID {
			r.Revoked = true
			s.refreshToks[id] = r
		}
	}
	return nil
}

// --- Magic codes -----------------------------------------------------------

func (s *memStorage) CreateMagicCode(ctx context.Context, m storage.MagicCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.magicCodes[magicKey{m.Email, m.Code}] = m
	return nil
}

func (s *memStorage) ConsumeMagicCode(ctx context.Context, email, code string, now time.Time) (storage.MagicCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := magicKey{email, code}
	m, ok := s.magicCodes[key]
	if !ok || m.Used || now.After(m.Expiry) {
		return storage.MagicCode{}, storage.ErrNotFound
	}
	m.Used = true
	s.magicCodes[key] = m
	return m, nil
}

// --- Failed attempts ---------------------------------------------------

func (s *memStorage) RecordFailedAttempt(ctx context.Context, email string, now time.Time, threshold int, lockFor time.Duration) (storage.FailedAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.failedAttmps[email]
	f.Email = email
	f.Count++
	f.LastAttempt = now
	if f.Count >= threshold {
		f.LockUntil = now.Add(lockFor)
	}
	s.failedAttmps[email] = f
	return f, nil
}

func (s *memStorage) GetFailedAttempt(ctx context.Context, email string) (storage.FailedAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedAttmps[email], nil
}

func (s *memStorage) ClearFailedAttempts(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failedAttmps, email)
	return nil
}

// --- OAuth state -------------------------------------------------------

func (s *memStorage) CreateOAuthState(ctx context.Context, st storage.OAuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oauthStates[st.State] = st
	return nil
}

func (s *memStorage) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (storage.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.oauthStates[state]
	if !ok || now.After(st.Expiry) {
		return storage.OAuthState{}, storage.ErrNotFound
	}
	delete(s.oauthStates, state)
	return st, nil
}

// --- Device codes --------------------------------------------------------

func (s *memStorage) CreateDeviceCode(ctx context.Context, d storage.DeviceCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deviceByHash[d.DeviceCodeHash]; ok {
		return storage.ErrAlreadyExists
	}
	s.deviceByHash[d.DeviceCodeHash] = d
	return nil
}

func (s *memStorage) GetDeviceCodeByHash(ctx context.Context, hash string) (storage.DeviceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deviceByHash[hash]
	if !ok {
		return storage.DeviceCode{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *memStorage) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (storage.DeviceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deviceByHash {
		if d.UserCode == userCode {
			return d, nil
		}
	}
	return storage.DeviceCode{}, storage.ErrNotFound
}

func (s *memStorage) UserCodeLive(ctx context.Context, userCode string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deviceByHash {
		if d.UserCode == userCode && now.Before(d.Expiry) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStorage) UpdateDeviceCodeStatus(ctx context.Context, hash string, status storage.DeviceStatus, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deviceByHash[hash]
	if !ok {
		return storage.ErrNotFound
	}
	d.Status = status
	d.UserID = userID
	s.deviceByHash[hash] = d
	return nil
}

// --- Rate counters ----------------------------------------------------

func (s *memStorage) GetRateCounter(ctx context.Context, key string) (storage.RateCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateCounters[key], nil
}

func (s *memStorage) UpsertRateCounter(ctx context.Context, key string, now time.Time, window time.Duration) (storage.RateCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rateCounters[key]
	if !ok || now.After(r.WindowStart.Add(window)) {
		r = storage.RateCounter{Key: key, Count: 1, WindowStart: now}
	} else {
		r.Count++
	}
	s.rateCounters[key] = r
	return r, nil
}

// --- Keys ------------------------------------------------------------------

func (s *memStorage) GetKeys(ctx context.Context) (storage.Keys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys.SigningKey == nil {
		return storage.Keys{}, storage.ErrNotFound
	}
	return s.keys, nil
}

func (s *memStorage) UpdateKeys(ctx context.Context, updater func(storage.Keys) (storage.Keys, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := updater(s.keys)
	if err != nil {
		return err
	}
	s.keys = next
	return nil
}

// --- Sessions --------------------------------------------------------------

func (s *memStorage) CreateSession(ctx context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *memStorage) GetSession(ctx context.Context, id string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *memStorage) ListUserSessions(ctx context.Context, userID string) ([]storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *memStorage) TouchSession(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	sess.LastActiveAt = now
	s.sessions[id] = sess
	return nil
}

func (s *memStorage) RevokeSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.Revoked = true
	s.sessions[id] = sess
	return nil
}

func (s *memStorage) RevokeUserSessions(ctx context.Context, userID string, keep string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.UserID == userID && id != keep && !sess.Revoked {
			sess.Revoked = true
			s.sessions[id] = sess
			n++
		}
	}
	return n, nil
}

// --- Audit -------------------------------------------------------------

func (s *memStorage) WriteAudit(ctx context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = storage.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, e)
	return nil
}

// --- GC ----------------------------------------------------------------

func (s *memStorage) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r storage.GCResult
	for k, a := range s.authCodes {
		if now.After(a.Expiry) {
			delete(s.authCodes, k)
			r.AuthCodes++
		}
	}
	for k, m := range s.magicCodes {
		if now.After(m.Expiry) {
			delete(s.magicCodes, k)
			r.MagicCodes++
		}
	}
	for k, st := range s.oauthStates {
		if now.After(st.Expiry) {
			delete(s.oauthStates, k)
			r.OAuthStates++
		}
	}
	for k, d := range s.deviceByHash {
		if now.After(d.Expiry) {
			delete(s.deviceByHash, k)
			r.DeviceCodes++
		}
	}
	for k, rc := range s.rateCounters {
		if now.After(rc.WindowStart.Add(24 * time.Hour)) {
			delete(s.rateCounters, k)
			r.RateCounters++
		}
	}
	return r, nil
}
