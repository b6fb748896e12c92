// Package session implements the per-user session shard: one user id maps
// to a serially-ordered set of mutations against that user's live sessions,
// giving the "actor per user" discipline spec'd for the session store
// without paying for one goroutine per user. A sync.Mutex guarding each
// user's slot gives the same serial-ordering guarantee a single-goroutine
// actor would, and releases the slot (and its goroutine-equivalent cost)
// the moment the call returns instead of parking a goroutine forever.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage"
)

// Store manages per-user session shards backed by storage.Storage.
type Store struct {
	db     storage.Storage
	logger log.Logger

	shards sync.Map // userID -> *sync.Mutex
}

// New returns a Store backed by db.
func New(db storage.Storage, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) lock(userID string) func() {
	v, _ := s.shards.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create mints a new session for userID and returns its id. Durable before
// return: the row is written to storage before Create returns successfully.
func (s *Store) Create(ctx context.Context, userID, deviceFingerprint, deviceName, ip, userAgent string, ttl time.Duration) (string, error) {
	defer s.lock(userID)()

	now := time.Now().UTC()
	sess := storage.Session{
		ID:                storage.NewID(),
		UserID:            userID,
		DeviceFingerprint: deviceFingerprint,
		DeviceName:        deviceName,
		IP:                ip,
		UserAgent:         userAgent,
		CreatedAt:         now,
		LastActiveAt:      now,
		ExpiresAt:         now.Add(ttl),
	}
	if err := s.db.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

// Validate reports whether id names a live session and, on a hit, touches
// LastActiveAt. The error return is reserved for storage failures; a
// missing or expired session is a (false, storage.Session{}, nil) result,
// not an error — existence is not a caller-visible signal either way.
func (s *Store) Validate(ctx context.Context, id string) (bool, storage.Session, error) {
	sess, err := s.db.GetSession(ctx, id)
	if err == storage.ErrNotFound {
		return false, storage.Session{}, nil
	}
	if err != nil {
		return false, storage.Session{}, err
	}

	defer s.lock(sess.UserID)()

	now := time.Now().UTC()
	if sess.Expired(now) {
		return false, storage.Session{}, nil
	}
	if err := s.db.TouchSession(ctx, id, now); err != nil {
		return false, storage.Session{}, err
	}
	sess.LastActiveAt = now
	return true, sess, nil
}

// Revoke revokes one session. Idempotent: revoking an already-revoked or
// nonexistent session still reports success, and never touches siblings.
func (s *Store) Revoke(ctx context.Context, id string) error {
	sess, err := s.db.GetSession(ctx, id)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	defer s.lock(sess.UserID)()
	return s.db.RevokeSession(ctx, id)
}

// RevokeAll revokes every live session for userID except keep (pass "" to
// revoke all), atomically across the shard, and returns the count revoked.
func (s *Store) RevokeAll(ctx context.Context, userID, keep string) (int, error) {
	defer s.lock(userID)()
	return s.db.RevokeUserSessions(ctx, userID, keep)
}

// List returns the user's live (unexpired, unrevoked) sessions, marking
// which one (if any) matches currentID.
type ListedSession struct {
	storage.Session
	IsCurrent bool
}

func (s *Store) List(ctx context.Context, userID, currentID string) ([]ListedSession, error) {
	defer s.lock(userID)()

	all, err := s.db.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]ListedSession, 0, len(all))
	for _, sess := range all {
		if sess.Expired(now) {
			continue
		}
		out = append(out, ListedSession{Session: sess, IsCurrent: sess.ID == currentID})
	}
	return out, nil
}
