package memory

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage"
)

func testLogger() log.Logger {
	return logrus.New()
}

func TestClientCreateGetVerify(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())

	c := storage.Client{ID: "client-a", Name: "Test App", Secret: "hashed-secret"}
	require.NoError(t, s.CreateClient(ctx, c))
	require.ErrorIs(t, s.CreateClient(ctx, c), storage.ErrAlreadyExists)

	got, err := s.GetClient(ctx, "client-a")
	require.NoError(t, err)
	require.Equal(t, c, got)

	_, err = s.GetClient(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	verifySecretFunc = func(hash, candidate string) bool { return hash == candidate }
	defer func() { verifySecretFunc = defaultVerifySecret }()

	_, ok, err := s.VerifyClientSecret(ctx, "client-a", "hashed-secret")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.VerifyClientSecret(ctx, "client-a", "wrong")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListClientsWithOrigin(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())

	require.NoError(t, s.CreateClient(ctx, storage.Client{ID: "a", AllowedOrigins: []string{"https://a.example"}}))
	require.NoError(t, s.CreateClient(ctx, storage.Client{ID: "b", AllowedOrigins: []string{"https://b.example"}}))

	got, err := s.ListClientsWithOrigin(ctx, "https://a.example")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].ID)

	got, err = s.ListClientsWithOrigin(ctx, "https://nowhere.example")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUpsertUserCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())

	u, err := s.UpsertUser(ctx, storage.User{Email: "person@example.com", Name: "First"})
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)
	require.False(t, u.CreatedAt.IsZero())

	updated, err := s.UpsertUser(ctx, storage.User{Email: "person@example.com", Name: "Second"})
	require.NoError(t, err)
	require.Equal(t, u.ID, updated.ID)
	require.Equal(t, "Second", updated.Name)

	byID, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "Second", byID.Name)

	byEmail, err := s.GetUserByEmail(ctx, "person@example.com")
	require.NoError(t, err)
	require.Equal(t, u.ID, byEmail.ID)

	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAllowlist(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())

	allowed, err := s.IsAllowed(ctx, "person@example.com")
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, s.AddAllowlistEntry(ctx, "person@example.com"))

	allowed, err = s.IsAllowed(ctx, "person@example.com")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestFederatedIdentityUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())

	_, err := s.GetFederatedIdentity(ctx, "github", "12345")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.UpsertFederatedIdentity(ctx, storage.FederatedIdentity{
		Provider: "github",
		Subject:  "12345",
		UserID:   "user-1",
	}))

	got, err := s.GetFederatedIdentity(ctx, "github", "12345")
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)
	require.False(t, got.CreatedAt.IsZero())
}

func TestAuthCodeConsumeIsSingleUseAndClientBound(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	code := storage.AuthCode{ID: "code-1", ClientID: "client-a", UserID: "user-1", Expiry: now.Add(time.Minute)}
	require.NoError(t, s.CreateAuthCode(ctx, code))
	require.ErrorIs(t, s.CreateAuthCode(ctx, code), storage.ErrAlreadyExists)

	_, err := s.ConsumeAuthCode(ctx, "code-1", "wrong-client", now)
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.ConsumeAuthCode(ctx, "code-1", "client-a", now)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)

	_, err = s.ConsumeAuthCode(ctx, "code-1", "client-a", now)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuthCodeConsumeRejectsExpired(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	require.NoError(t, s.CreateAuthCode(ctx, storage.AuthCode{
		ID: "code-1", ClientID: "client-a", Expiry: now.Add(-time.Second),
	}))

	_, err := s.ConsumeAuthCode(ctx, "code-1", "client-a", now)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefreshTokenRotation(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	first := storage.RefreshToken{ID: "hash-1", UserID: "user-1", ClientID: "client-a", Expiry: now.Add(time.Hour)}
	require.NoError(t, s.CreateRefreshToken(ctx, first))

	next := storage.RefreshToken{ID: "hash-2", UserID: "user-1", ClientID: "client-a", Expiry: now.Add(time.Hour)}
	require.NoError(t, s.RotateRefreshToken(ctx, "hash-1", next, now))

	old, err := s.GetRefreshToken(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, old.Revoked)

	// Replaying the rotated-out token must fail, not silently rotate again.
	err = s.RotateRefreshToken(ctx, "hash-1", storage.RefreshToken{ID: "hash-3"}, now)
	require.ErrorIs(t, err, storage.ErrNotFound)

	current, err := s.GetRefreshToken(ctx, "hash-2")
	require.NoError(t, err)
	require.False(t, current.Revoked)
}

func TestRefreshTokenRevocation(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	require.NoError(t, s.CreateRefreshToken(ctx, storage.RefreshToken{ID: "a", UserID: "u1", ClientID: "c1", Expiry: now.Add(time.Hour)}))
	require.NoError(t, s.CreateRefreshToken(ctx, storage.RefreshToken{ID: "b", UserID: "u1", ClientID: "c1", Expiry: now.Add(time.Hour)}))
	require.NoError(t, s.CreateRefreshToken(ctx, storage.RefreshToken{ID: "c", UserID: "u1", ClientID: "c2", Expiry: now.Add(time.Hour)}))

	require.NoError(t, s.RevokeRefreshToken(ctx, "a"))
	tok, err := s.GetRefreshToken(ctx, "a")
	require.NoError(t, err)
	require.True(t, tok.Revoked)

	// Revoking an unknown hash is a no-op, not an error (idempotent logout).
	require.NoError(t, s.RevokeRefreshToken(ctx, "does-not-exist"))

	require.NoError(t, s.RevokeAllRefreshTokens(ctx, "u1", "c1"))
	b, err := s.GetRefreshToken(ctx, "b")
	require.NoError(t, err)
	require.True(t, b.Revoked)

	c, err := s.GetRefreshToken(ctx, "c")
	require.NoError(t, err)
	require.False(t, c.Revoked, "other client's token must be untouched")
}

func TestMagicCodeConsumeSingleUse(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	require.NoError(t, s.CreateMagicCode(ctx, storage.MagicCode{
		Email: "person@example.com", Code: "123456", Expiry: now.Add(10 * time.Minute),
	}))

	_, err := s.ConsumeMagicCode(ctx, "person@example.com", "000000", now)
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.ConsumeMagicCode(ctx, "person@example.com", "123456", now)
	require.NoError(t, err)
	require.True(t, got.Used)

	_, err = s.ConsumeMagicCode(ctx, "person@example.com", "123456", now)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailedAttemptLockout(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	empty, err := s.GetFailedAttempt(ctx, "person@example.com")
	require.NoError(t, err)
	require.Equal(t, 0, empty.Count)

	var f storage.FailedAttempt
	for i := 0; i < 5; i++ {
		f, err = s.RecordFailedAttempt(ctx, "person@example.com", now, 5, 15*time.Minute)
		require.NoError(t, err)
	}
	require.Equal(t, 5, f.Count)
	require.True(t, f.Locked(now))
	require.False(t, f.Locked(now.Add(16*time.Minute)))

	require.NoError(t, s.ClearFailedAttempts(ctx, "person@example.com"))
	cleared, err := s.GetFailedAttempt(ctx, "person@example.com")
	require.NoError(t, err)
	require.Equal(t, 0, cleared.Count)
}

func TestOAuthStateConsumeDeletesOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	require.NoError(t, s.CreateOAuthState(ctx, storage.OAuthState{
		State: "state-1", ClientID: "client-a", Expiry: now.Add(time.Minute),
	}))

	got, err := s.ConsumeOAuthState(ctx, "state-1", now)
	require.NoError(t, err)
	require.Equal(t, "client-a", got.ClientID)

	_, err = s.ConsumeOAuthState(ctx, "state-1", now)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeviceCodeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	d := storage.DeviceCode{
		DeviceCodeHash: "hash-1",
		UserCode:       "ABCD-EFGH",
		ClientID:       "client-a",
		Expiry:         now.Add(10 * time.Minute),
		Status:         storage.DeviceStatusPending,
	}
	require.NoError(t, s.CreateDeviceCode(ctx, d))
	require.ErrorIs(t, s.CreateDeviceCode(ctx, d), storage.ErrAlreadyExists)

	byHash, err := s.GetDeviceCodeByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, storage.DeviceStatusPending, byHash.Status)

	byUserCode, err := s.GetDeviceCodeByUserCode(ctx, "ABCD-EFGH")
	require.NoError(t, err)
	require.Equal(t, "hash-1", byUserCode.DeviceCodeHash)

	live, err := s.UserCodeLive(ctx, "ABCD-EFGH", now)
	require.NoError(t, err)
	require.True(t, live)

	live, err = s.UserCodeLive(ctx, "ABCD-EFGH", now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, live)

	require.NoError(t, s.UpdateDeviceCodeStatus(ctx, "hash-1", storage.DeviceStatusAuthorized, "user-1"))
	updated, err := s.GetDeviceCodeByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, storage.DeviceStatusAuthorized, updated.Status)
	require.Equal(t, "user-1", updated.UserID)

	err = s.UpdateDeviceCodeStatus(ctx, "does-not-exist", storage.DeviceStatusDenied, "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRateCounterWindowReset(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()
	window := time.Minute

	first, err := s.UpsertRateCounter(ctx, "magic:person@example.com", now, window)
	require.NoError(t, err)
	require.Equal(t, 1, first.Count)

	second, err := s.UpsertRateCounter(ctx, "magic:person@example.com", now.Add(10*time.Second), window)
	require.NoError(t, err)
	require.Equal(t, 2, second.Count)

	reset, err := s.UpsertRateCounter(ctx, "magic:person@example.com", now.Add(2*time.Minute), window)
	require.NoError(t, err)
	require.Equal(t, 1, reset.Count, "a new window must restart the count")
}

func TestKeysRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())

	_, err := s.GetKeys(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	wantNextRotation := time.Now().UTC().Add(24 * time.Hour)
	err = s.UpdateKeys(ctx, func(k storage.Keys) (storage.Keys, error) {
		k.NextRotation = wantNextRotation
		return k, nil
	})
	require.NoError(t, err)

	// GetKeys still returns ErrNotFound because SigningKey is nil; only the
	// updater's writer path is exercised here without a real JWK fixture.
	got, err := s.GetKeys(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Zero(t, got)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	sess := storage.Session{ID: "sess-1", UserID: "user-1", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.ErrorIs(t, s.CreateSession(ctx, sess), storage.ErrAlreadyExists)

	require.NoError(t, s.CreateSession(ctx, storage.Session{ID: "sess-2", UserID: "user-1", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.CreateSession(ctx, storage.Session{ID: "sess-3", UserID: "user-2", ExpiresAt: now.Add(time.Hour)}))

	list, err := s.ListUserSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, s.TouchSession(ctx, "sess-1", now.Add(time.Minute)))
	touched, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Minute), touched.LastActiveAt)

	require.ErrorIs(t, s.TouchSession(ctx, "missing", now), storage.ErrNotFound)

	require.NoError(t, s.RevokeSession(ctx, "sess-1"))
	revoked, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, revoked.Revoked)
	require.True(t, revoked.Expired(now))

	// Revoking an unknown session is a no-op.
	require.NoError(t, s.RevokeSession(ctx, "missing"))

	n, err := s.RevokeUserSessions(ctx, "user-1", "sess-2")
	require.NoError(t, err)
	require.Equal(t, 0, n, "sess-1 already revoked, sess-2 is kept")

	kept, err := s.GetSession(ctx, "sess-2")
	require.NoError(t, err)
	require.False(t, kept.Revoked)
}

func TestWriteAuditAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())

	require.NoError(t, s.WriteAudit(ctx, storage.AuditEntry{Kind: "login.success", UserID: "user-1"}))

	mem := s.(*memStorage)
	require.Len(t, mem.audit, 1)
	require.NotEmpty(t, mem.audit[0].ID)
	require.False(t, mem.audit[0].CreatedAt.IsZero())
}

func TestGarbageCollectRemovesExpiredRowsOnly(t *testing.T) {
	ctx := context.Background()
	s := New(testLogger())
	now := time.Now().UTC()

	require.NoError(t, s.CreateAuthCode(ctx, storage.AuthCode{ID: "expired", Expiry: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateAuthCode(ctx, storage.AuthCode{ID: "live", ClientID: "c", Expiry: now.Add(time.Minute)}))

	require.NoError(t, s.CreateMagicCode(ctx, storage.MagicCode{Email: "a@example.com", Code: "111111", Expiry: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateOAuthState(ctx, storage.OAuthState{State: "expired-state", Expiry: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateDeviceCode(ctx, storage.DeviceCode{DeviceCodeHash: "expired-device", Expiry: now.Add(-time.Minute)}))

	result, err := s.GarbageCollect(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.AuthCodes)
	require.Equal(t, int64(1), result.MagicCodes)
	require.Equal(t, int64(1), result.OAuthStates)
	require.Equal(t, int64(1), result.DeviceCodes)

	_, err = s.ConsumeAuthCode(ctx, "expired", "c", now)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetDeviceCodeByHash(ctx, "live")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// The still-live auth code must have survived the sweep.
	liveCode, err := s.ConsumeAuthCode(ctx, "live", "c", now)
	require.NoError(t, err)
	require.Equal(t, "live", liveCode.ID)
}

func TestCloseIsNoop(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.Close())
}
