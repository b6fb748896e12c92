package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AutumnsGrove/groveauth/storage"
	"github.com/AutumnsGrove/groveauth/token"
)

// remoteIP extracts the caller's address for rate-limiting and audit
// purposes. The first hop of X-Forwarded-For is trusted only when
// trustedProxyHeader is configured; otherwise RemoteAddr is used directly.
func (s *Server) remoteIP(r *http.Request) string {
	if s.trustedProxyHeader != "" {
		if fwd := r.Header.Get(s.trustedProxyHeader); fwd != "" {
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// authenticateClient reads client credentials from HTTP Basic auth or the
// form body, falling back to the form. A client with no stored secret is
// treated as public and admitted on client_id alone.
func (s *Server) authenticateClient(r *http.Request) (storage.Client, error) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if id == "" {
		return storage.Client{}, errMissingClientID
	}

	client, err := s.db.GetClient(r.Context(), id)
	if err != nil {
		return storage.Client{}, errInvalidClientCreds
	}
	if client.Secret == "" {
		return client, nil
	}
	verified, ok, err := s.db.VerifyClientSecret(r.Context(), id, secret)
	if err != nil || !ok {
		return storage.Client{}, errInvalidClientCreds
	}
	return verified, nil
}

// sessionCookie builds the grove_session cookie, scoped to the registrable
// parent domain so sibling services under it share the session.
func (s *Server) sessionCookie(value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     token.CookieName,
		Value:    value,
		Domain:   s.cookieDomain,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	c := s.sessionCookie("", 0)
	c.MaxAge = -1
	http.SetCookie(w, c)
}

// requireSession authenticates the caller from the grove_session cookie,
// returning the live session and its owning user id. A missing, malformed,
// or expired cookie is reported the same way — ok=false — so there is no
// oracle distinguishing why authentication failed.
func (s *Server) requireSession(r *http.Request) (userID string, sess storage.Session, ok bool) {
	c, err := r.Cookie(token.CookieName)
	if err != nil {
		return "", storage.Session{}, false
	}
	sessID, cookieUserID, err := s.cookies.Decode(c.Value)
	if err != nil {
		return "", storage.Session{}, false
	}
	valid, live, err := s.sessions.Validate(r.Context(), sessID)
	if err != nil || !valid || live.UserID != cookieUserID {
		return "", storage.Session{}, false
	}
	return cookieUserID, live, true
}

// redirectWithCode appends code and state to redirectURI and redirects.
func redirectWithCode(w http.ResponseWriter, r *http.Request, redirectURI, code, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect", http.StatusBadRequest)
		return
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// redirectWithState redirects carrying only state, for internal-service
// federated logins that receive the session cookie instead of a code.
func redirectWithState(w http.ResponseWriter, r *http.Request, redirectURI, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect", http.StatusBadRequest)
		return
	}
	if state != "" {
		q := u.Query()
		q.Set("state", state)
		u.RawQuery = q.Encode()
	}
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// redirectWithError redirects per RFC 6749 §4.1.2.1.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, errCode, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect", http.StatusBadRequest)
		return
	}
	q := u.Query()
	q.Set("error", errCode)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
