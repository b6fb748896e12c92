package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Error kind constants. These are the wire-level `error` field values, not
// Go type names — the taxonomy clients depend on.
const (
	errInvalidRequest       = "invalid_request"
	errInvalidClient        = "invalid_client"
	errInvalidGrant         = "invalid_grant"
	errUnsupportedGrantType = "unsupported_grant_type"
	errInvalidCode          = "invalid_code"
	errInvalidToken         = "invalid_token"
	errAccessDenied         = "access_denied"
	errAccountLocked        = "account_locked"
	errRateLimit            = "rate_limit"
	errSlowDown             = "slow_down"
	errServerError          = "server_error"
	errNotFound             = "not_found"
)

// statusForKind is the kind->HTTP-status table. A handler may still pick a
// different status where the wire table calls for it (e.g. invalid_client
// is 401 at /token* but 400 elsewhere); this is the default.
var statusForKind = map[string]int{
	errInvalidRequest:       http.StatusBadRequest,
	errInvalidClient:        http.StatusUnauthorized,
	errInvalidGrant:         http.StatusBadRequest,
	errUnsupportedGrantType: http.StatusBadRequest,
	errInvalidCode:          http.StatusUnauthorized,
	errInvalidToken:         http.StatusUnauthorized,
	errAccessDenied:         http.StatusForbidden,
	errAccountLocked:        http.StatusLocked,
	errRateLimit:            http.StatusTooManyRequests,
	errSlowDown:             http.StatusTooManyRequests,
	errServerError:          http.StatusInternalServerError,
	errNotFound:             http.StatusNotFound,
}

// writeError writes the sanitized `{error, error_description?}` envelope.
// description must never carry internal detail; log that separately.
func writeError(w http.ResponseWriter, kind, description string, statusCode int) error {
	data := struct {
		Error       string `json:"error"`
		Description string `json:"error_description,omitempty"`
	}{kind, description}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal error response: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	w.Write(body)
	return nil
}

// errHelper writes kind at its default status from statusForKind.
func (s *Server) errHelper(w http.ResponseWriter, kind, description string) {
	s.errHelperStatus(w, kind, description, statusForKind[kind])
}

// errHelperStatus writes kind at an explicit status, for the wire table's
// per-endpoint exceptions (e.g. invalid_client is 400, not 401, outside
// /token*).
func (s *Server) errHelperStatus(w http.ResponseWriter, kind, description string, statusCode int) {
	if err := writeError(w, kind, description, statusCode); err != nil {
		s.logger.Errorf("write error response: %v", err)
	}
}

// accountLockedError is the 423 body shape, carrying locked_until per the
// wire contract.
type accountLockedError struct {
	Error       string `json:"error"`
	LockedUntil string `json:"locked_until"`
}

func (s *Server) errAccountLockedHelper(w http.ResponseWriter, lockedUntilRFC3339 string) {
	body, err := json.Marshal(accountLockedError{Error: errAccountLocked, LockedUntil: lockedUntilRFC3339})
	if err != nil {
		s.logger.Errorf("marshal account_locked response: %v", err)
		s.errHelperStatus(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusLocked)
	w.Write(body)
}

// rateLimitError is the 429 body shape, carrying retry_after.
type rateLimitError struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

func (s *Server) errRateLimitHelper(w http.ResponseWriter, kind string, retryAfterSeconds int) {
	body, err := json.Marshal(rateLimitError{Error: kind, RetryAfter: retryAfterSeconds})
	if err != nil {
		s.logger.Errorf("marshal rate limit response: %v", err)
		s.errHelperStatus(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write(body)
}
