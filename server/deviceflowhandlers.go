package server

import (
	"net/http"
	"time"

	"github.com/AutumnsGrove/groveauth/audit"
	"github.com/AutumnsGrove/groveauth/ratelimit"
)

// handleDeviceCodeMint issues a fresh device_code/user_code pair for a CLI
// client (RFC 8628 §3.1).
func (s *Server) handleDeviceCodeMint(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.errHelper(w, errInvalidRequest, "malformed form body")
		return
	}
	clientID := r.PostFormValue("client_id")
	client, err := s.db.GetClient(r.Context(), clientID)
	if err != nil {
		s.errHelperStatus(w, errInvalidClient, "", http.StatusUnauthorized)
		return
	}

	ip := s.remoteIP(r)
	res, err := s.limiter.Check(r.Context(), ratelimit.ScopeDeviceInit, ip, 10, time.Minute)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	if !res.Allowed {
		s.errRateLimitHelper(w, errRateLimit, int(time.Until(res.ResetAt).Seconds()))
		return
	}

	result, err := s.devices.Mint(r.Context(), client.ID, r.PostFormValue("scope"))
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	s.audit.Log(r.Context(), audit.Event{Kind: audit.KindDeviceCodeCreated, ClientID: client.ID, IP: ip})

	writeJSON(w, http.StatusOK, struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}{
		DeviceCode:              result.DeviceCode,
		UserCode:                result.UserCode,
		VerificationURI:         result.VerificationURI,
		VerificationURIComplete: result.VerificationURIComplete,
		ExpiresIn:               result.ExpiresIn,
		Interval:                result.Interval,
	})
}

// handleDeviceLookup is called by the logged-in browser tab the user lands
// on after typing in their user code, to render {client name, user code}
// before asking for approval.
func (s *Server) handleDeviceLookup(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.requireSession(r)
	if !ok {
		s.errHelperStatus(w, errInvalidToken, "", http.StatusUnauthorized)
		return
	}

	userCode := r.URL.Query().Get("user_code")
	d, err := s.devices.Lookup(r.Context(), userCode)
	if err != nil {
		s.errHelperStatus(w, errNotFound, "", http.StatusNotFound)
		return
	}
	client, err := s.db.GetClient(r.Context(), d.ClientID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		ClientName string `json:"client_name"`
		UserCode   string `json:"user_code"`
	}{ClientName: client.Name, UserCode: d.UserCode})
}

// handleDeviceDecision records the logged-in user's approve/deny choice.
// The allowlist is re-checked at decision time, not inherited from the
// session's original login, since membership can lapse in between.
func (s *Server) handleDeviceDecision(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.requireSession(r)
	if !ok {
		s.errHelperStatus(w, errInvalidToken, "", http.StatusUnauthorized)
		return
	}

	var req struct {
		UserCode string `json:"user_code"`
		Approve  bool   `json:"approve"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserCode == "" {
		s.errHelper(w, errInvalidRequest, "user_code is required")
		return
	}

	user, err := s.db.GetUser(r.Context(), userID)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}
	isAllowed, err := s.db.IsAllowed(r.Context(), user.Email)
	if err != nil {
		s.errHelper(w, errServerError, "")
		return
	}

	if err := s.devices.Decide(r.Context(), req.UserCode, userID, req.Approve, isAllowed); err != nil {
		s.errHelper(w, errInvalidRequest, "")
		return
	}

	kind := audit.KindDeviceCodeAuthorized
	if !req.Approve || !isAllowed {
		kind = audit.KindDeviceCodeDenied
	}
	s.audit.Log(r.Context(), audit.Event{Kind: kind, UserID: userID, IP: s.remoteIP(r)})
	w.WriteHeader(http.StatusOK)
}
