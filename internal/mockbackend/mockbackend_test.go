package mockbackend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const itemUUID = "3f2c9a1e-7b4d-4c1a-9e2f-5d6b8a0c1e2f"

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := New(opts...)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func call(t *testing.T, ts *httptest.Server, method, path, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func login(t *testing.T, ts *httptest.Server, user, password string) TokenResponse {
	t.Helper()
	resp, body := call(t, ts, http.MethodPost, "/auth/login", "", map[string]string{
		"email_or_username": user,
		"password":          password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return TokenResponse{
		AccessToken:  body["access_token"].(string),
		RefreshToken: body["refresh_token"].(string),
	}
}

func TestLoginAndMe(t *testing.T) {
	s, ts := newTestServer(t)
	_, err := s.AddUser("Ada@Example.com", "ada", "correct horse", "Ada Lovelace")
	require.NoError(t, err)

	pair := login(t, ts, "ada@example.com", "correct horse")
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	resp, me := call(t, ts, http.MethodGet, "/auth/me", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ada", me["username"])
	assert.Equal(t, "ada@example.com", me["email"])
	assert.Equal(t, true, me["is_superuser"])
}

func TestLoginFailures(t *testing.T) {
	s, ts := newTestServer(t)
	_, err := s.AddUser("bob@example.com", "bob", "hunter22", "")
	require.NoError(t, err)

	resp, body := call(t, ts, http.MethodPost, "/auth/login", "", map[string]string{
		"email_or_username": "bob", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "Invalid email/username or password", body["detail"])

	s.SetActive("bob", false)
	resp, _ = call(t, ts, http.MethodPost, "/auth/login", "", map[string]string{
		"email_or_username": "bob", "password": "hunter22",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRegister(t *testing.T) {
	_, ts := newTestServer(t)
	req := map[string]string{"email": "c@example.com", "username": "carol", "password": "password1"}

	resp, body := call(t, ts, http.MethodPost, "/auth/register", "", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "carol", body["username"])
	assert.NotEmpty(t, body["id"])

	resp, _ = call(t, ts, http.MethodPost, "/auth/register", "", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRefreshRotates(t *testing.T) {
	s, ts := newTestServer(t)
	_, err := s.AddUser("d@example.com", "dan", "password1", "")
	require.NoError(t, err)
	pair := login(t, ts, "dan", "password1")

	resp, body := call(t, ts, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, pair.RefreshToken, body["refresh_token"])

	resp, _ = call(t, ts, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "rotated token must be revoked")
	assert.Equal(t, 2, s.RefreshCalls())
	assert.Equal(t, 1, s.ActiveRefreshTokens())
}

func TestExpireAccessTokens(t *testing.T) {
	s, ts := newTestServer(t)
	_, err := s.AddUser("e@example.com", "eve", "password1", "")
	require.NoError(t, err)
	pair := login(t, ts, "eve", "password1")

	s.ExpireAccessTokens()
	resp, body := call(t, ts, http.MethodGet, "/auth/me", pair.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Token has expired", body["detail"])
}

func TestShortAccessTTL(t *testing.T) {
	s, ts := newTestServer(t, WithAccessTTL(time.Second))
	_, err := s.AddUser("f@example.com", "fay", "password1", "")
	require.NoError(t, err)
	pair := login(t, ts, "fay", "password1")

	resp, _ := call(t, ts, http.MethodGet, "/drafts", pair.AccessToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, _ := call(t, ts, http.MethodGet, "/auth/me", pair.AccessToken, nil)
		return resp.StatusCode == http.StatusUnauthorized
	}, 5*time.Second, 100*time.Millisecond)
}

func TestLogoutAndChangePassword(t *testing.T) {
	s, ts := newTestServer(t)
	_, err := s.AddUser("g@example.com", "gus", "password1", "")
	require.NoError(t, err)
	pair := login(t, ts, "gus", "password1")

	resp, _ := call(t, ts, http.MethodPost, "/auth/logout", pair.AccessToken, map[string]string{"refresh_token": "unknown"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodPost, "/auth/change-password", pair.AccessToken, map[string]string{
		"current_password": "nope-nope", "new_password": "password2",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodPost, "/auth/change-password", pair.AccessToken, map[string]string{
		"current_password": "password1", "new_password": "password2",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	login(t, ts, "gus", "password2")
}

func TestDomainAccess(t *testing.T) {
	s, ts := newTestServer(t, WithAPIKey("static-key"))
	_, err := s.AddUser("h@example.com", "hal", "password1", "")
	require.NoError(t, err)

	resp, body := call(t, ts, http.MethodGet, "/pipeline/health", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Authentication required", body["detail"])

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/pipeline/health", nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", "static-key")
	r, err := ts.Client().Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	pair := login(t, ts, "hal", "password1")
	resp, body = call(t, ts, http.MethodPost, "/pipeline/items/"+itemUUID+"/transition", pair.AccessToken, map[string]string{"to_status": "review"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "review", body["status"])
	assert.Equal(t, itemUUID, body["id"])

	resp, body = call(t, ts, http.MethodPost, "/pipeline/items/3/transition", pair.AccessToken, map[string]string{"to_status": "review"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Input should be a valid UUID", body["detail"])

	resp, _ = call(t, ts, http.MethodPost, "/pipeline/run/janitor", pair.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = call(t, ts, http.MethodPost, "/admin/kill-switch/on", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["kill_switch"])

	s.RejectPath("/drafts")
	resp, _ = call(t, ts, http.MethodGet, "/drafts", pair.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshKnobs(t *testing.T) {
	s, ts := newTestServer(t)
	_, err := s.AddUser("i@example.com", "ida", "password1", "")
	require.NoError(t, err)
	pair := login(t, ts, "ida", "password1")

	s.FailRefresh(http.StatusInternalServerError)
	resp, _ := call(t, ts, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	s.FailRefresh(0)

	s.MalformedRefresh(true)
	resp, body := call(t, ts, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "refresh_token")
}
