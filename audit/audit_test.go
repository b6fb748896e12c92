package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage"
)

// capturingStorage embeds storage.Storage (left nil) and overrides only
// WriteAudit, so it satisfies the interface without reimplementing every
// CRUD method this package never calls.
type capturingStorage struct {
	storage.Storage
	written []storage.AuditEntry
}

func (s *capturingStorage) WriteAudit(ctx context.Context, e storage.AuditEntry) error {
	s.written = append(s.written, e)
	return nil
}

type failingStorage struct {
	storage.Storage
}

func (failingStorage) WriteAudit(ctx context.Context, e storage.AuditEntry) error {
	return errors.New("disk full")
}

func TestLogPersistsEventWithDetails(t *testing.T) {
	ctx := context.Background()
	db := &capturingStorage{}
	l := New(db, log.NewNopLogger())

	l.Log(ctx, Event{
		Kind:     KindLoginFailed,
		UserID:   "user-1",
		ClientID: "client-1",
		IP:       "203.0.113.1",
		Details:  map[string]string{"reason": "bad_password"},
	})

	require.Len(t, db.written, 1)
	got := db.written[0]
	require.Equal(t, KindLoginFailed, got.Kind)
	require.Equal(t, "user-1", got.UserID)
	require.NotEmpty(t, got.ID)
	require.False(t, got.CreatedAt.IsZero())

	var details map[string]string
	require.NoError(t, json.Unmarshal(got.Details, &details))
	require.Equal(t, "bad_password", details["reason"])
}

func TestLogWithoutDetailsOmitsThem(t *testing.T) {
	ctx := context.Background()
	db := &capturingStorage{}
	l := New(db, log.NewNopLogger())

	l.Log(ctx, Event{Kind: KindLogout, UserID: "user-1"})

	require.Len(t, db.written, 1)
	require.Nil(t, db.written[0].Details)
}

func TestLogSwallowsStorageErrors(t *testing.T) {
	ctx := context.Background()
	l := New(failingStorage{}, log.NewNopLogger())
	require.NotPanics(t, func() {
		l.Log(ctx, Event{Kind: KindLogout, UserID: "user-1"})
	})
}
