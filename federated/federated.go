// Package federated drives the external-IdP code exchange, normalizes
// identity claims, and materializes the local user. Providers implement a
// small capability interface covering authorize-URL construction, code
// exchange and identity lookup; this package supplies the state machine and
// user-upsert logic common to every provider.
package federated

import (
	"context"
	"errors"
	"time"

	"github.com/AutumnsGrove/groveauth/storage"
)

// Token is the provider-opaque token set returned by a code exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Raw          []byte // provider-specific payload, stored encrypted
}

// Identity is the normalized claim set every provider must produce.
type Identity struct {
	Subject       string // provider-side user id
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
}

// Provider is the capability every federated IdP implements, generalized
// so both a plain-OAuth2 provider (GitHub-shaped) and an OIDC provider
// (Google-shaped) satisfy it with golang.org/x/oauth2 and
// coreos/go-oidc/v3 respectively.
type Provider interface {
	Name() string
	AuthorizeURL(state, redirectURI string) string
	Exchange(ctx context.Context, code, redirectURI string) (Token, error)
	FetchIdentity(ctx context.Context, tok Token) (Identity, error)
}

// StateLifetime bounds the pending ceremony's opaque state row.
const StateLifetime = 10 * time.Minute

// ErrProviderCallbackError wraps an error the external IdP itself reported
// (the `error` query parameter on the callback).
type ErrProviderCallbackError struct {
	Code string // e.g. "access_denied"
}

func (e *ErrProviderCallbackError) Error() string { return "provider_error: " + e.Code }

var ErrInvalidState = errors.New("invalid_state")
var ErrAccessDenied = errors.New("access_denied")

// Adapter drives the IDLE -> REDIRECTED_TO_IDP -> CALLBACK_RECEIVED ->
// {USER_ACCEPTED -> USER_MATERIALIZED -> CODE_ISSUED|COOKIE_ISSUED} |
// {USER_REJECTED_BY_ALLOWLIST -> ERROR_REDIRECT} state machine.
type Adapter struct {
	db        storage.Storage
	providers map[string]Provider
}

func New(db storage.Storage, providers ...Provider) *Adapter {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Adapter{db: db, providers: m}
}

func (a *Adapter) provider(name string) (Provider, bool) {
	p, ok := a.providers[name]
	return p, ok
}

// BeginLogin persists the pending-ceremony state row and returns the
// external IdP's authorize URL (REDIRECTED_TO_IDP).
func (a *Adapter) BeginLogin(ctx context.Context, providerName, clientID, redirectURI, originalState, codeChallenge, codeChallengeMethod, callbackURL string) (string, error) {
	p, ok := a.provider(providerName)
	if !ok {
		return "", errors.New("unknown provider")
	}

	internalState := storage.NewID()
	err := a.db.CreateOAuthState(ctx, storage.OAuthState{
		State:               internalState,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		OriginalState:       originalState,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Provider:            providerName,
		Expiry:              time.Now().UTC().Add(StateLifetime),
	})
	if err != nil {
		return "", err
	}

	return p.AuthorizeURL(internalState, callbackURL), nil
}

// CallbackResult carries what the HTTP layer needs to finish the ceremony:
// the client, redirect and PKCE data it mints an authorization code from,
// and the user (for internal services, the one to mint a session cookie
// for).
type CallbackResult struct {
	ClientID            string
	RedirectURI         string
	OriginalState       string
	CodeChallenge       string
	CodeChallengeMethod string
	User                storage.User
}

// RecoverStateForError consumes the pending state row when the external
// IdP's callback carried an `error` parameter instead of a code, so the
// HTTP layer can recover redirect_uri and original_state for the RFC 6749
// §4.1.2.1 error redirect.
func (a *Adapter) RecoverStateForError(ctx context.Context, internalState string) (storage.OAuthState, error) {
	return a.db.ConsumeOAuthState(ctx, internalState, time.Now().UTC())
}

// Callback consumes the state row, exchanges the code, fetches and
// normalizes the identity, applies the allowlist, and upserts the local
// user (CALLBACK_RECEIVED -> USER_ACCEPTED -> USER_MATERIALIZED, or
// USER_REJECTED_BY_ALLOWLIST).
func (a *Adapter) Callback(ctx context.Context, internalState, code string, publicSignup bool) (CallbackResult, error) {
	st, err := a.db.ConsumeOAuthState(ctx, internalState, time.Now().UTC())
	if err != nil {
		return CallbackResult{}, ErrInvalidState
	}

	p, ok := a.provider(st.Provider)
	if !ok {
		return CallbackResult{}, errors.New("unknown provider")
	}

	tok, err := p.Exchange(ctx, code, st.RedirectURI)
	if err != nil {
		return CallbackResult{}, err
	}

	identity, err := p.FetchIdentity(ctx, tok)
	if err != nil {
		return CallbackResult{}, err
	}

	if !publicSignup {
		allowed, err := a.db.IsAllowed(ctx, identity.Email)
		if err != nil {
			return CallbackResult{}, err
		}
		if !allowed {
			return CallbackResult{}, ErrAccessDenied
		}
	}

	user, err := a.db.UpsertUser(ctx, storage.User{
		Email:       identity.Email,
		Name:        identity.Name,
		AvatarURL:   identity.AvatarURL,
		Provenance:  st.Provider,
		LastLoginAt: time.Now().UTC(),
	})
	if err != nil {
		return CallbackResult{}, err
	}

	if err := a.db.UpsertFederatedIdentity(ctx, storage.FederatedIdentity{
		Provider:      st.Provider,
		Subject:       identity.Subject,
		UserID:        user.ID,
		ProviderToken: tok.Raw,
	}); err != nil {
		return CallbackResult{}, err
	}

	return CallbackResult{
		ClientID:            st.ClientID,
		RedirectURI:         st.RedirectURI,
		OriginalState:       st.OriginalState,
		CodeChallenge:       st.CodeChallenge,
		CodeChallengeMethod: st.CodeChallengeMethod,
		User:                user,
	}, nil
}
