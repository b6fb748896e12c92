package server

import (
	"net/http"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"

	"github.com/AutumnsGrove/groveauth/audit"
	"github.com/AutumnsGrove/groveauth/ratelimit"
)

// handleSessionValidate answers "is the caller logged in, and as whom" for
// sibling services fronted by the grove_session cookie.
func (s *Server) handleSessionValidate(w http.ResponseWriter, r *http.Request) {
	userID, sess, ok := s.requireSession(r)
	if !ok {
		s.errHelperStatus(w, errInvalidToken, "", http.StatusUnauthorized)
		return
	}
	user, err := s.db.GetUser(r.Context(), userID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		UserID    string `json:"user_id"`
		Email     string `json:"email"`
		Name      string `json:"name"`
		SessionID string `json:"session_id"`
	}{UserID: user.ID, Email: user.Email, Name: user.Name, SessionID: sess.ID})
}

// handleSessionValidateService is the machine-to-machine counterpart of
// handleSessionValidate: a trusted internal service presents the raw
// cookie value (no browser context, no Cookie header) in the request body.
func (s *Server) handleSessionValidateService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cookie string `json:"cookie"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Cookie == "" {
		s.errHelper(w, errInvalidRequest, "cookie is required")
		return
	}

	sessID, userID, err := s.cookies.Decode(req.Cookie)
	if err != nil {
		s.errHelperStatus(w, errInvalidToken, "", http.StatusUnauthorized)
		return
	}
	valid, sess, err := s.sessions.Validate(r.Context(), sessID)
	if err != nil || !valid || sess.UserID != userID {
		s.errHelperStatus(w, errInvalidToken, "", http.StatusUnauthorized)
		return
	}
	user, err := s.db.GetUser(r.Context(), userID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
		Name   string `json:"name"`
	}{UserID: user.ID, Email: user.Email, Name: user.Name})
}

// handleSessionRevoke logs the caller's current device out only.
func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	userID, sess, ok := s.requireSession(r)
	if !ok {
		s.errHelperStatus(w, errInvalidToken, "", http.StatusUnauthorized)
		return
	}
	if err := s.sessions.Revoke(r.Context(), sess.ID); err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	s.clearSessionCookie(w)
	s.audit.Log(r.Context(), audit.Event{Kind: audit.KindSessionRevoked, UserID: userID, IP: s.remoteIP(r)})
	w.WriteHeader(http.StatusOK)
}

// handleSessionRevokeAll logs the caller out of every device except the one
// making the request. Rate-limited: this is also the panic button for a
// suspected leaked cookie, but a malicious script that got one valid
// cookie shouldn't be able to use it to hammer every other device's session.
func (s *Server) handleSessionRevokeAll(w http.ResponseWriter, r *http.Request) {
	userID, sess, ok := s.requireSession(r)
	if !ok {
		s.errHelperStatus(w, errInvalidToken, "", http.StatusUnauthorized)
		return
	}

	res, err := s.limiter.Check(r.Context(), ratelimit.ScopeSessionRevAl, userID, 3, time.Hour)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	if !res.Allowed {
		s.errRateLimitHelper(w, errRateLimit, int(time.Until(res.ResetAt).Seconds()))
		return
	}

	n, err := s.sessions.RevokeAll(r.Context(), userID, sess.ID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	s.audit.Log(r.Context(), audit.Event{Kind: audit.KindAllSessionsRevoked, UserID: userID, IP: s.remoteIP(r)})
	writeJSON(w, http.StatusOK, struct {
		Revoked int `json:"revoked"`
	}{Revoked: n})
}

// handleSessionList returns every live session for the caller, marking
// which one matches the request's own cookie.
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	userID, sess, ok := s.requireSession(r)
	if !ok {
		s.errHelperStatus(w, errInvalidToken, "", http.StatusUnauthorized)
		return
	}

	res, err := s.limiter.Check(r.Context(), ratelimit.ScopeSessionGen, userID, 30, time.Minute)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	if !res.Allowed {
		s.errRateLimitHelper(w, errRateLimit, int(time.Until(res.ResetAt).Seconds()))
		return
	}

	listed, err := s.sessions.List(r.Context(), userID, sess.ID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	writeJSON(w, http.StatusOK, listed)
}

// handleHealth reports liveness to an orchestrator, optionally backed by a
// go-sundheit check registry wired up by the caller (e.g. a storage
// round-trip check).
func (s *Server) handleHealth(health gosundheit.Health) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil && !health.IsHealthy() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
