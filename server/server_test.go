package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage"
	"github.com/AutumnsGrove/groveauth/storage/memory"
	"github.com/AutumnsGrove/groveauth/token"
)

// capturingMailer records the last code sent per email instead of talking to
// an SMTP server, for tests that drive the magic-code ceremony end to end.
type capturingMailer struct {
	sent map[string]string
}

func newCapturingMailer() *capturingMailer {
	return &capturingMailer{sent: map[string]string{}}
}

func (m *capturingMailer) SendMagicCode(ctx context.Context, email, code string) error {
	m.sent[email] = code
	return nil
}

// newTestServer assembles a Server backed by a fresh in-memory store, with a
// signing key already seeded so token issuance works without starting the
// background rotation loop. configure, if non-nil, can override fields of
// the Config before NewServer is called.
func newTestServer(t *testing.T, configure func(*Config)) (*httptest.Server, *Server) {
	t.Helper()
	httpServer, s, _ := newTestServerWithMailer(t, configure)
	return httpServer, s
}

// newTestServerWithMailer is newTestServer plus access to the capturing
// mailer, for tests that need to read back a sent magic code.
func newTestServerWithMailer(t *testing.T, configure func(*Config)) (*httptest.Server, *Server, *capturingMailer) {
	t.Helper()

	db := memory.New(log.NewNopLogger())

	rotator := token.NewKeyRotator(db, token.DefaultRotationStrategy(), log.NewNopLogger())
	require.NoError(t, rotator.Rotate(context.Background()))

	mailer := newCapturingMailer()
	cfg := Config{
		Issuer:        "https://auth.example.test",
		CookieDomain:  "example.test",
		Storage:       db,
		SessionSecret: []byte("01234567890123456789012345678901"),
		Mailer:        mailer,
		Logger:        log.NewNopLogger(),
	}
	if configure != nil {
		configure(&cfg)
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)

	httpServer := httptest.NewServer(s)
	t.Cleanup(httpServer.Close)

	return httpServer, s, mailer
}

// seedClient creates and returns a registered client with the given redirect
// and origin sets, defaulting to a public (no secret) client.
func seedClient(t *testing.T, db storage.Storage, id string, redirectURIs, origins []string) storage.Client {
	t.Helper()
	c := storage.Client{
		ID:             id,
		Name:           id,
		RedirectURIs:   redirectURIs,
		AllowedOrigins: origins,
	}
	require.NoError(t, db.CreateClient(context.Background(), c))
	return c
}

// seedUser upserts and returns a user with the given email.
func seedUser(t *testing.T, db storage.Storage, email string) storage.User {
	t.Helper()
	u, err := db.UpsertUser(context.Background(), storage.User{
		Email:       email,
		LastLoginAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return u
}
