// Package memory provides an in-memory storage.Storage, used for tests and
// local development. Every map is guarded by a single mutex — correctness
// over throughput.
package memory

import (
	"sync"

	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns an empty in-memory Storage.
func New(logger log.Logger) storage.Storage {
	return &memStorage{
		clients:      make(map[string]storage.Client),
		users:        make(map[string]storage.User),
		allowlist:    make(map[string]struct{}),
		federated:    make(map[federatedKey]storage.FederatedIdentity),
		authCodes:    make(map[string]storage.AuthCode),
		refreshToks:  make(map[string]storage.RefreshToken),
		magicCodes:   make(map[magicKey]storage.MagicCode),
		failedAttmps: make(map[string]storage.FailedAttempt),
		oauthStates:  make(map[string]storage.OAuthState),
		deviceByHash: make(map[string]storage.DeviceCode),
		rateCounters: make(map[string]storage.RateCounter),
		sessions:     make(map[string]storage.Session),
		audit:        make([]storage.AuditEntry, 0),
		logger:       logger,
	}
}

type federatedKey struct{ provider, subject string }
type magicKey struct{ email, code string }

type memStorage struct {
	mu sync.Mutex

	clients      map[string]storage.Client
	users        map[string]storage.User
	allowlist    map[string]struct{}
	federated    map[federatedKey]storage.FederatedIdentity
	authCodes    map[string]storage.AuthCode
	refreshToks  map[string]storage.RefreshToken
	magicCodes   map[magicKey]storage.MagicCode
	failedAttmps map[string]storage.FailedAttempt
	oauthStates  map[string]storage.OAuthState
	deviceByHash map[string]storage.DeviceCode
	rateCounters map[string]storage.RateCounter
	sessions     map[string]storage.Session
	audit        []storage.AuditEntry
	keys         storage.Keys

	logger log.Logger
}

func (s *memStorage) Close() error { return nil }
