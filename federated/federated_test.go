package federated

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage/memory"
)

type fakeProvider struct {
	name     string
	identity Identity
	exchErr  error
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) AuthorizeURL(state, redirectURI string) string {
	return "https://idp.example.com/authorize?state=" + state + "&redirect_uri=" + redirectURI
}
func (p *fakeProvider) Exchange(ctx context.Context, code, redirectURI string) (Token, error) {
	if p.exchErr != nil {
		return Token{}, p.exchErr
	}
	return Token{AccessToken: "tok-" + code, Raw: []byte(`{"access_token":"tok"}`)}, nil
}
func (p *fakeProvider) FetchIdentity(ctx context.Context, tok Token) (Identity, error) {
	return p.identity, nil
}

func TestBeginLoginPersistsStateAndReturnsAuthorizeURL(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	p := &fakeProvider{name: "google", identity: Identity{Subject: "1", Email: "a@example.com"}}
	a := New(db, p)

	url, err := a.BeginLogin(ctx, "google", "client-1", "https://app.example.com/cb", "client-state", "chal", "S256", "https://auth.example.com/federated/google/callback")
	require.NoError(t, err)
	require.Contains(t, url, "https://idp.example.com/authorize")

	st, err := db.ConsumeOAuthState(ctx, extractState(t, url), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, "client-1", st.ClientID)
}

func TestCallbackHappyPathUpsertsAllowlistedUser(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	require.NoError(t, db.AddAllowlistEntry(ctx, "a@example.com"))
	p := &fakeProvider{name: "google", identity: Identity{Subject: "1", Email: "a@example.com", Name: "Ann"}}
	a := New(db, p)

	url, err := a.BeginLogin(ctx, "google", "client-1", "https://app.example.com/cb", "client-state", "chal", "S256", "https://auth.example.com/federated/google/callback")
	require.NoError(t, err)

	state := extractState(t, url)
	res, err := a.Callback(ctx, state, "code-123", false)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", res.User.Email)
	require.Equal(t, "client-1", res.ClientID)
	require.Equal(t, "client-state", res.OriginalState)

	fi, err := db.GetFederatedIdentity(ctx, "google", "1")
	require.NoError(t, err)
	require.Equal(t, res.User.ID, fi.UserID)
}

func TestCallbackRejectsNonAllowlistedUser(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	p := &fakeProvider{name: "google", identity: Identity{Subject: "1", Email: "nobody@example.com"}}
	a := New(db, p)

	url, err := a.BeginLogin(ctx, "google", "client-1", "https://app.example.com/cb", "client-state", "", "", "https://auth.example.com/federated/google/callback")
	require.NoError(t, err)

	state := extractState(t, url)
	_, err = a.Callback(ctx, state, "code-123", false)
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestCallbackWithUnknownStateFails(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	a := New(db, &fakeProvider{name: "google"})

	_, err := a.Callback(ctx, "not-a-real-state", "code-123", false)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	ctx := context.Background()
	db := memory.New(log.NewNopLogger())
	require.NoError(t, db.AddAllowlistEntry(ctx, "a@example.com"))
	p := &fakeProvider{name: "google", identity: Identity{Subject: "1", Email: "a@example.com"}}
	a := New(db, p)

	url, err := a.BeginLogin(ctx, "google", "client-1", "https://app.example.com/cb", "client-state", "", "", "https://auth.example.com/federated/google/callback")
	require.NoError(t, err)
	state := extractState(t, url)

	_, err = a.Callback(ctx, state, "code-123", false)
	require.NoError(t, err)

	_, err = a.Callback(ctx, state, "code-123", false)
	require.ErrorIs(t, err, ErrInvalidState)
}

// extractState pulls the internal state value back out of a fakeProvider's
// authorize URL, which embeds it verbatim as a query parameter.
func extractState(t *testing.T, authorizeURL string) string {
	t.Helper()
	const marker = "state="
	i := indexOf(authorizeURL, marker)
	require.GreaterOrEqual(t, i, 0)
	rest := authorizeURL[i+len(marker):]
	if j := indexOf(rest, "&"); j >= 0 {
		return rest[:j]
	}
	return rest
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
