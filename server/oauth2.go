package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/AutumnsGrove/groveauth/audit"
	"github.com/AutumnsGrove/groveauth/device"
	"github.com/AutumnsGrove/groveauth/magiccode"
	"github.com/AutumnsGrove/groveauth/pkg/crypto"
	"github.com/AutumnsGrove/groveauth/ratelimit"
	"github.com/AutumnsGrove/groveauth/storage"
	"github.com/AutumnsGrove/groveauth/token"
)

// errMissingClientID and errInvalidClientCreds are authenticateClient's
// internal signals; every call site maps them to the invalid_client wire
// kind rather than exposing them directly.
var (
	errMissingClientID    = errors.New("missing client_id")
	errInvalidClientCreds = errors.New("invalid client credentials")
)

// tokenResponse is the RFC 6749 §5.1 access token response shape, plus the
// refresh_token extension every grant here issues.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// grantedScope is the fixed scope set every grant issues. GroveAuth does
// not yet support per-request scope negotiation.
const grantedScope = "openid email profile"

// handleToken dispatches every grant_type served at /token (and its
// /token/refresh alias, which exists only so a caller that always POSTs
// refresh_token grants to a distinct path still works).
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.errHelper(w, errInvalidRequest, "malformed form body")
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		s.errHelperStatus(w, errInvalidClient, "", http.StatusUnauthorized)
		return
	}

	ip := s.remoteIP(r)
	res, err := s.limiter.Check(r.Context(), ratelimit.ScopeToken, ip+":"+client.ID, 20, time.Minute)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	if !res.Allowed {
		s.audit.Log(r.Context(), audit.Event{Kind: audit.KindRateLimitExceeded, ClientID: client.ID, IP: ip})
		s.errRateLimitHelper(w, errRateLimit, int(time.Until(res.ResetAt).Seconds()))
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r, client)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r, client)
	case "urn:ietf:params:oauth:grant-type:device_code":
		s.handleDeviceCodeGrant(w, r, client)
	default:
		s.errHelper(w, errUnsupportedGrantType, "")
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client storage.Client) {
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	verifier := r.PostFormValue("code_verifier")
	if code == "" || redirectURI == "" || verifier == "" {
		s.errHelper(w, errInvalidRequest, "code, redirect_uri and code_verifier are required")
		return
	}

	ac, err := s.authCodes.Exchange(r.Context(), code, client.ID, redirectURI, verifier)
	if err != nil {
		s.errHelper(w, errInvalidGrant, "")
		return
	}

	user, err := s.db.GetUser(r.Context(), ac.UserID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}

	s.issueTokenResponse(w, r, user, client)
	s.audit.Log(r.Context(), audit.Event{Kind: audit.KindTokenExchanged, UserID: user.ID, ClientID: client.ID, IP: s.remoteIP(r)})
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client storage.Client) {
	oldPlain := r.PostFormValue("refresh_token")
	if oldPlain == "" {
		s.errHelper(w, errInvalidRequest, "missing refresh_token")
		return
	}

	existing, err := s.db.GetRefreshToken(r.Context(), crypto.HashToken(oldPlain))
	if err != nil || existing.ClientID != client.ID {
		s.errHelper(w, errInvalidGrant, "")
		return
	}

	newPlain, err := s.refresher.Rotate(r.Context(), oldPlain, existing.UserID, existing.ClientID)
	if err != nil {
		if errors.Is(err, token.ErrReplay) {
			s.audit.Log(r.Context(), audit.Event{Kind: audit.KindTokenRefreshReplayed, UserID: existing.UserID, ClientID: existing.ClientID, IP: s.remoteIP(r)})
		}
		s.errHelper(w, errInvalidGrant, "")
		return
	}

	user, err := s.db.GetUser(r.Context(), existing.UserID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}

	accessToken, err := s.minter.MintAccessToken(r.Context(), user.ID, user.Email, user.Name, client.ID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(token.AccessLifetime.Seconds()),
		RefreshToken: newPlain,
		Scope:        grantedScope,
	})
	s.audit.Log(r.Context(), audit.Event{Kind: audit.KindTokenRefreshed, UserID: user.ID, ClientID: client.ID, IP: s.remoteIP(r)})
}

// handleDeviceCodeGrant answers a CLI's poll against the device_code grant.
// A per-process devicePolls map enforces slow_down; it is not shared across
// replicas, so a multi-instance deployment needs a shared store instead to
// hold that guarantee exactly.
func (s *Server) handleDeviceCodeGrant(w http.ResponseWriter, r *http.Request, client storage.Client) {
	deviceCode := r.PostFormValue("device_code")
	if deviceCode == "" {
		s.errHelper(w, errInvalidRequest, "missing device_code")
		return
	}

	key := crypto.HashToken(deviceCode)
	var lastPollAt time.Time
	if v, ok := s.devicePolls.Load(key); ok {
		lastPollAt = v.(time.Time)
	}
	s.devicePolls.Store(key, time.Now().UTC())

	d, err := s.devices.Poll(r.Context(), deviceCode, lastPollAt)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrAuthorizationPending):
			s.errHelperStatus(w, "authorization_pending", "", http.StatusBadRequest)
		case errors.Is(err, device.ErrSlowDown):
			s.errHelper(w, errSlowDown, "")
		case errors.Is(err, device.ErrAccessDenied):
			s.errHelper(w, errAccessDenied, "")
		default:
			s.errHelperStatus(w, "expired_token", "", http.StatusBadRequest)
		}
		return
	}
	if d.ClientID != client.ID {
		s.errHelper(w, errInvalidGrant, "")
		return
	}

	user, err := s.db.GetUser(r.Context(), d.UserID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}

	s.issueTokenResponse(w, r, user, client)
	s.devicePolls.Delete(key)
}

// issueTokenResponse mints an access token and a fresh refresh token for
// (user, client) and writes the RFC 6749 §5.1 response body.
func (s *Server) issueTokenResponse(w http.ResponseWriter, r *http.Request, user storage.User, client storage.Client) {
	accessToken, err := s.minter.MintAccessToken(r.Context(), user.ID, user.Email, user.Name, client.ID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	refreshToken, err := s.refresher.Mint(r.Context(), user.ID, client.ID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(token.AccessLifetime.Seconds()),
		RefreshToken: refreshToken,
		Scope:        grantedScope,
	})
}

// handleRevoke implements RFC 7009: always 200, regardless of whether the
// token was found, already revoked, or owned by someone else, so revocation
// can never be used to probe for token validity.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.errHelper(w, errInvalidRequest, "malformed form body")
		return
	}
	client, err := s.authenticateClient(r)
	if err != nil {
		s.errHelperStatus(w, errInvalidClient, "", http.StatusUnauthorized)
		return
	}

	plain := r.PostFormValue("token")
	if plain != "" {
		hash := crypto.HashToken(plain)
		if existing, err := s.db.GetRefreshToken(r.Context(), hash); err == nil && existing.ClientID == client.ID {
			if err := s.db.RevokeRefreshToken(r.Context(), hash); err == nil {
				s.audit.Log(r.Context(), audit.Event{Kind: audit.KindTokenRevoked, UserID: existing.UserID, ClientID: client.ID, IP: s.remoteIP(r)})
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleMagicSend starts the six-digit email ceremony. It always returns
// 200 with an identical body, whether or not the address is allowlisted,
// locked, or exists at all — anti-enumeration is load-bearing here.
func (s *Server) handleMagicSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		ClientID    string `json:"client_id"`
		RedirectURI string `json:"redirect_uri"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Email == "" {
		s.errHelper(w, errInvalidRequest, "email is required")
		return
	}

	ip := s.remoteIP(r)
	if res, err := s.limiter.Check(r.Context(), ratelimit.ScopeMagicIP, ip, 10, time.Minute); err != nil {
		s.errHelper(w, errServerError, "")
		return
	} else if !res.Allowed {
		s.errRateLimitHelper(w, errRateLimit, int(time.Until(res.ResetAt).Seconds()))
		return
	}
	if res, err := s.limiter.Check(r.Context(), ratelimit.ScopeMagicEmail, req.Email, 3, time.Minute); err != nil {
		s.errHelper(w, errServerError, "")
		return
	} else if !res.Allowed {
		s.errRateLimitHelper(w, errRateLimit, int(time.Until(res.ResetAt).Seconds()))
		return
	}

	s.magic.Send(r.Context(), req.Email)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleMagicVerify completes the ceremony: a correct code yields an
// authorization code for the client to exchange at /token.
func (s *Server) handleMagicVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email               string `json:"email"`
		Code                string `json:"code"`
		ClientID            string `json:"client_id"`
		RedirectURI         string `json:"redirect_uri"`
		CodeChallenge       string `json:"code_challenge"`
		CodeChallengeMethod string `json:"code_challenge_method"`
		State               string `json:"state"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Email == "" || req.Code == "" {
		s.errHelper(w, errInvalidRequest, "email and code are required")
		return
	}

	ip := s.remoteIP(r)
	if res, err := s.limiter.Check(r.Context(), ratelimit.ScopeVerify, ip, 100, time.Minute); err != nil {
		s.errHelper(w, errServerError, "")
		return
	} else if !res.Allowed {
		s.errRateLimitHelper(w, errRateLimit, int(time.Until(res.ResetAt).Seconds()))
		return
	}

	client, err := s.db.GetClient(r.Context(), req.ClientID)
	if err != nil || !client.HasRedirectURI(req.RedirectURI) {
		s.errHelper(w, errInvalidRequest, "unknown client or redirect_uri")
		return
	}

	result, err := s.magic.Verify(r.Context(), req.Email, req.Code, req.ClientID, req.RedirectURI, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		var locked *magiccode.LockedError
		switch {
		case errors.As(err, &locked):
			s.audit.Log(r.Context(), audit.Event{Kind: audit.KindMagicCodeLocked, IP: ip, Details: map[string]string{"email": req.Email}})
			s.errAccountLockedHelper(w, locked.LockedUntil.UTC().Format(time.RFC3339))
		case errors.Is(err, magiccode.ErrInvalidCode):
			s.audit.Log(r.Context(), audit.Event{Kind: audit.KindMagicCodeFailed, IP: ip, Details: map[string]string{"email": req.Email}})
			s.errHelperStatus(w, errInvalidCode, "", http.StatusUnauthorized)
		default:
			s.errHelper(w, errServerError, "")
		}
		return
	}

	s.audit.Log(r.Context(), audit.Event{Kind: audit.KindMagicCodeVerified, UserID: result.User.ID, ClientID: req.ClientID, IP: ip})
	writeJSON(w, http.StatusOK, map[string]string{"code": result.AuthCode, "state": req.State})
}

// handleFederatedBegin redirects the browser to the named provider's
// authorize URL, persisting the pending-ceremony state row.
func (s *Server) handleFederatedBegin(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	clientID := r.URL.Query().Get("client_id")
	redirectURI := r.URL.Query().Get("redirect_uri")
	state := r.URL.Query().Get("state")
	codeChallenge := r.URL.Query().Get("code_challenge")
	codeChallengeMethod := r.URL.Query().Get("code_challenge_method")

	client, err := s.db.GetClient(r.Context(), clientID)
	if err != nil || !client.HasRedirectURI(redirectURI) {
		s.errHelper(w, errInvalidRequest, "unknown client or redirect_uri")
		return
	}

	authorizeURL, err := s.federated.BeginLogin(r.Context(), provider, clientID, redirectURI, state, codeChallenge, codeChallengeMethod, s.absURL("/oauth/"+provider+"/callback"))
	if err != nil {
		s.errHelper(w, errInvalidRequest, "unknown provider")
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// handleFederatedCallback finishes the external-IdP ceremony: internal
// services receive a session cookie directly, everyone else receives an
// authorization code to exchange at /token.
func (s *Server) handleFederatedCallback(w http.ResponseWriter, r *http.Request) {
	internalState := r.URL.Query().Get("state")
	ip := s.remoteIP(r)

	if providerErr := r.URL.Query().Get("error"); providerErr != "" {
		st, err := s.federated.RecoverStateForError(r.Context(), internalState)
		if err != nil {
			s.errHelper(w, errInvalidRequest, "invalid or expired state")
			return
		}
		redirectWithError(w, r, st.RedirectURI, providerErr, st.OriginalState)
		return
	}

	code := r.URL.Query().Get("code")
	result, err := s.federated.Callback(r.Context(), internalState, code, s.publicSignup)
	if err != nil {
		s.audit.Log(r.Context(), audit.Event{Kind: audit.KindFederatedLoginDenied, IP: ip})
		s.errHelperStatus(w, errAccessDenied, "", http.StatusForbidden)
		return
	}

	client, err := s.db.GetClient(r.Context(), result.ClientID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}

	s.audit.Log(r.Context(), audit.Event{Kind: audit.KindLoginSucceeded, UserID: result.User.ID, ClientID: result.ClientID, IP: ip})

	if client.IsInternal {
		sessID, err := s.sessions.Create(r.Context(), result.User.ID, "", "", ip, r.UserAgent(), sessionTTL)
		if err != nil {
			s.errHelper(w, errServerError, "")
			return
		}
		cookieVal, err := s.cookies.Encode(sessID, result.User.ID)
		if err != nil {
			s.errHelper(w, errServerError, "")
			return
		}
		http.SetCookie(w, s.sessionCookie(cookieVal, sessionTTL))
		s.audit.Log(r.Context(), audit.Event{Kind: audit.KindSessionCreated, UserID: result.User.ID, ClientID: result.ClientID, IP: ip})
		redirectWithState(w, r, result.RedirectURI, result.OriginalState)
		return
	}

	newCode, err := s.authCodes.Mint(r.Context(), result.ClientID, result.User.ID, result.RedirectURI, result.CodeChallenge, result.CodeChallengeMethod)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	redirectWithCode(w, r, result.RedirectURI, newCode, result.OriginalState)
}
