package magiccode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AutumnsGrove/groveauth/authcode"
	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage/memory"
)

type captureMailer struct {
	sent map[string]string
}

func newCaptureMailer() *captureMailer { return &captureMailer{sent: map[string]string{}} }

func (m *captureMailer) SendMagicCode(ctx context.Context, email, code string) error {
	m.sent[email] = code
	return nil
}

func TestSendIsIndistinguishableForUnknownEmail(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	mailer := newCaptureMailer()
	e := New(db, authcode.New(db), mailer, log.NewNopLogger())

	e.Send(ctx, "nobody@example.com") // not on allowlist
	require.Empty(t, mailer.sent)     // no mail, but the caller still sees success
}

func TestSendAndVerifyHappyPath(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	require.NoError(t, db.AddAllowlistEntry(ctx, "a@example.com"))
	mailer := newCaptureMailer()
	e := New(db, authcode.New(db), mailer, log.NewNopLogger())

	e.Send(ctx, "a@example.com")
	code, ok := mailer.sent["a@example.com"]
	require.True(t, ok)

	result, err := e.Verify(ctx, "a@example.com", code, "client-1", "https://app.example.com/cb", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, result.AuthCode)
	require.Equal(t, "a@example.com", result.User.Email)
}

func TestVerifyWrongCodeRecordsFailedAttempt(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	require.NoError(t, db.AddAllowlistEntry(ctx, "a@example.com"))
	e := New(db, authcode.New(db), newCaptureMailer(), log.NewNopLogger())

	_, err := e.Verify(ctx, "a@example.com", "000000", "client-1", "https://app.example.com/cb", "", "")
	require.ErrorIs(t, err, ErrInvalidCode)

	attempt, err := db.GetFailedAttempt(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, attempt.Count)
}

func TestVerifyLocksAfterThreshold(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	require.NoError(t, db.AddAllowlistEntry(ctx, "a@example.com"))
	e := New(db, authcode.New(db), newCaptureMailer(), log.NewNopLogger())

	var lastErr error
	for i := 0; i < FailThreshold; i++ {
		_, lastErr = e.Verify(ctx, "a@example.com", "000000", "client-1", "https://app.example.com/cb", "", "")
	}

	var locked *LockedError
	require.ErrorAs(t, lastErr, &locked)
	require.False(t, locked.LockedUntil.IsZero())
}

func TestVerifyClearsFailedAttemptsOnSuccess(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	require.NoError(t, db.AddAllowlistEntry(ctx, "a@example.com"))
	mailer := newCaptureMailer()
	e := New(db, authcode.New(db), mailer, log.NewNopLogger())

	_, _ = e.Verify(ctx, "a@example.com", "000000", "client-1", "https://app.example.com/cb", "", "")

	e.Send(ctx, "a@example.com")
	code := mailer.sent["a@example.com"]
	_, err := e.Verify(ctx, "a@example.com", code, "client-1", "https://app.example.com/cb", "", "")
	require.NoError(t, err)

	attempt, err := db.GetFailedAttempt(ctx, "a@example.com")
	require.NoError(t, err)
	require.Zero(t, attempt.Count)
}
