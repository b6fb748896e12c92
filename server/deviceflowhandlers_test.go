package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func mintDeviceCode(t *testing.T, s *Server, clientID string) (deviceCode, userCode string) {
	t.Helper()
	form := url.Values{"client_id": {clientID}}
	req := httptest.NewRequest(http.MethodPost, "/auth/device-code", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		DeviceCode string `json:"device_code"`
		UserCode   string `json:"user_code"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.NotEmpty(t, body.DeviceCode)
	require.NotEmpty(t, body.UserCode)
	return body.DeviceCode, body.UserCode
}

func TestDeviceCodeMintRejectsUnknownClient(t *testing.T) {
	httpServer, s := newTestServer(t, nil)
	defer httpServer.Close()

	form := url.Values{"client_id": {"missing"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/device-code", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDeviceLookupRequiresSession(t *testing.T) {
	httpServer, s := newTestServer(t, nil)
	defer httpServer.Close()
	seedClient(t, s.db, "cli-client", nil, nil)
	_, userCode := mintDeviceCode(t, s, "cli-client")

	req := httptest.NewRequest(http.MethodGet, "/auth/device?user_code="+userCode, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDeviceLookupWithSessionReturnsClientName(t *testing.T) {
	httpServer, s := newTestServer(t, nil)
	defer httpServer.Close()

	seedClient(t, s.db, "cli-client", nil, nil)
	_, userCode := mintDeviceCode(t, s, "cli-client")

	user := seedUser(t, s.db, "person@example.com")
	cookie := loginSession(t, s, user.ID)

	req := httptest.NewRequest(http.MethodGet, "/auth/device?user_code="+userCode, nil)
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		ClientName string `json:"client_name"`
		UserCode   string `json:"user_code"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "cli-client", body.ClientName)
	require.Equal(t, userCode, body.UserCode)
}

func TestDeviceDecisionApproveThenPollIssuesToken(t *testing.T) {
	httpServer, s := newTestServer(t, nil)
	defer httpServer.Close()

	seedClient(t, s.db, "cli-client", nil, nil)
	deviceCode, userCode := mintDeviceCode(t, s, "cli-client")

	user := seedUser(t, s.db, "person@example.com")
	require.NoError(t, s.db.AddAllowlistEntry(context.Background(), "person@example.com"))
	cookie := loginSession(t, s, user.ID)

	decideBody := `{"user_code":"` + userCode + `","approve":true}`
	decideReq := httptest.NewRequest(http.MethodPost, "/auth/device/authorize", strings.NewReader(decideBody))
	decideReq.Header.Set("Content-Type", "application/json")
	decideReq.AddCookie(cookie)
	decideRR := httptest.NewRecorder()
	s.ServeHTTP(decideRR, decideReq)
	require.Equal(t, http.StatusOK, decideRR.Code)

	pollForm := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
	}
	pollReq := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(pollForm.Encode()))
	pollReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	pollReq.SetBasicAuth("cli-client", "")
	pollRR := httptest.NewRecorder()
	s.ServeHTTP(pollRR, pollReq)

	require.Equal(t, http.StatusOK, pollRR.Code)
	var tok tokenResponse
	require.NoError(t, json.Unmarshal(pollRR.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.AccessToken)
}

func TestDeviceDecisionDenyThenPollIsAccessDenied(t *testing.T) {
	httpServer, s := newTestServer(t, nil)
	defer httpServer.Close()

	seedClient(t, s.db, "cli-client", nil, nil)
	deviceCode, userCode := mintDeviceCode(t, s, "cli-client")

	user := seedUser(t, s.db, "person@example.com")
	require.NoError(t, s.db.AddAllowlistEntry(context.Background(), "person@example.com"))
	cookie := loginSession(t, s, user.ID)

	decideBody := `{"user_code":"` + userCode + `","approve":false}`
	decideReq := httptest.NewRequest(http.MethodPost, "/auth/device/authorize", strings.NewReader(decideBody))
	decideReq.Header.Set("Content-Type", "application/json")
	decideReq.AddCookie(cookie)
	decideRR := httptest.NewRecorder()
	s.ServeHTTP(decideRR, decideReq)
	require.Equal(t, http.StatusOK, decideRR.Code)

	pollForm := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
	}
	pollReq := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(pollForm.Encode()))
	pollReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	pollReq.SetBasicAuth("cli-client", "")
	pollRR := httptest.NewRecorder()
	s.ServeHTTP(pollRR, pollReq)

	require.Equal(t, http.StatusForbidden, pollRR.Code)
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(pollRR.Body.Bytes(), &body))
	require.Equal(t, errAccessDenied, body.Error)
}

func TestDeviceCodeGrantPendingBeforeApproval(t *testing.T) {
	httpServer, s := newTestServer(t, nil)
	defer httpServer.Close()

	seedClient(t, s.db, "cli-client", nil, nil)
	deviceCode, _ := mintDeviceCode(t, s, "cli-client")

	pollForm := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
	}
	pollReq := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(pollForm.Encode()))
	pollReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	pollReq.SetBasicAuth("cli-client", "")
	pollRR := httptest.NewRecorder()
	s.ServeHTTP(pollRR, pollReq)

	require.Equal(t, http.StatusBadRequest, pollRR.Code)
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(pollRR.Body.Bytes(), &body))
	require.Equal(t, "authorization_pending", body.Error)
}
