package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		ClientID:  "client-123",
		Scope:     "openid model.completion",
		UserAgent: "test-agent/1.0",
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: srv.URL + "/device/code",
			TokenURL:      srv.URL + "/token",
		},
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing client id", Config{Endpoint: oauth2.Endpoint{TokenURL: "https://x/t", DeviceAuthURL: "https://x/d"}}},
		{"missing token url", Config{ClientID: "c", Endpoint: oauth2.Endpoint{DeviceAuthURL: "https://x/d"}}},
		{"missing device url", Config{ClientID: "c", Endpoint: oauth2.Endpoint{TokenURL: "https://x/t"}}},
		{"bad url", Config{ClientID: "c", Endpoint: oauth2.Endpoint{TokenURL: "::bad", DeviceAuthURL: "https://x/d"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestRequestDeviceCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/device/code", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-agent/1.0", r.Header.Get("User-Agent"))
		assert.NotEmpty(t, r.Header.Get("x-request-id"))
		assert.Equal(t, "client-123", r.Form.Get("client_id"))
		assert.Equal(t, "openid model.completion", r.Form.Get("scope"))
		assert.Equal(t, "challenge-abc", r.Form.Get("code_challenge"))
		assert.Equal(t, "S256", r.Form.Get("code_challenge_method"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"device_code":"dc-1","user_code":"ABCD-EFGH",
			"verification_uri":"https://chat.qwen.ai/authorize",
			"verification_uri_complete":"https://chat.qwen.ai/authorize?user_code=ABCD-EFGH",
			"expires_in":600}`))
	})

	auth, err := c.RequestDeviceCode(context.Background(), "challenge-abc")
	require.NoError(t, err)
	assert.Equal(t, "dc-1", auth.DeviceCode)
	assert.Equal(t, "ABCD-EFGH", auth.UserCode)
	assert.Equal(t, 600, auth.ExpiresIn)
	assert.Contains(t, auth.VerificationURIComplete, "user_code=ABCD-EFGH")
}

func TestRequestDeviceCodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantType error
	}{
		{"server error", http.StatusInternalServerError, `oops`, "", nil},
		{"oauth error", http.StatusBadRequest, `{"error":"invalid_client","error_description":"unknown client"}`, "invalid_client", nil},
		{"ok without device code", http.StatusOK, `{"user_code":"X"}`, "", ErrInvalidResponse},
		{"ok with error body", http.StatusOK, `{"error":"temporarily_unavailable"}`, "temporarily_unavailable", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.RequestDeviceCode(context.Background(), "ch")
			require.Error(t, err)
			if tt.wantType != nil {
				assert.ErrorIs(t, err, tt.wantType)
				return
			}
			var oerr *Error
			require.True(t, errors.As(err, &oerr))
			assert.Equal(t, tt.status, oerr.StatusCode)
			assert.Equal(t, tt.wantCode, oerr.Code)
		})
	}
}

func TestExchangeDeviceCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, DeviceGrantType, r.Form.Get("grant_type"))
		assert.Equal(t, "client-123", r.Form.Get("client_id"))
		assert.Equal(t, "dc-1", r.Form.Get("device_code"))
		assert.Equal(t, "verifier-xyz", r.Form.Get("code_verifier"))

		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer",
			"endpoint":"portal.qwen.ai","expires_in":3600}`))
	})

	tok, err := c.ExchangeDeviceCode(context.Background(), "dc-1", "verifier-xyz")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, "portal.qwen.ai", tok.ResourceURL)
	require.NotNil(t, tok.ExpiresIn)
	assert.Equal(t, int64(3600), *tok.ExpiresIn)
}

func TestExchangeDeviceCodePending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"authorization_pending","error_description":"waiting"}`))
	})

	_, err := c.ExchangeDeviceCode(context.Background(), "dc", "v")
	var oerr *Error
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, http.StatusBadRequest, oerr.StatusCode)
	assert.Equal(t, "authorization_pending", oerr.Code)
	assert.Equal(t, "waiting", oerr.Description)
	assert.Equal(t, "oauth error 400: authorization_pending: waiting", oerr.Error())
}

func TestRefreshToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))
		assert.Equal(t, "client-123", r.Form.Get("client_id"))
		_, _ = w.Write([]byte(`{"access_token":"at-new","resource_url":"dashscope.aliyuncs.com"}`))
	})

	tok, err := c.RefreshToken(context.Background(), "rt-old")
	require.NoError(t, err)
	assert.Equal(t, "at-new", tok.AccessToken)
	assert.Empty(t, tok.RefreshToken)
	assert.Equal(t, "dashscope.aliyuncs.com", tok.ResourceURL)
	assert.Nil(t, tok.ExpiresIn)
}

func TestRefreshTokenMissingAccessToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	})
	_, err := c.RefreshToken(context.Background(), "rt")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestTokenResponseCredential(t *testing.T) {
	now := time.UnixMilli(5_000)
	secs := int64(10)

	cred := (&TokenResponse{AccessToken: "a", ExpiresIn: &secs}).Credential(now)
	assert.Equal(t, "Bearer", cred.TokenType)
	require.NotNil(t, cred.ExpiryDate)
	assert.Equal(t, int64(15_000), *cred.ExpiryDate)

	cred = (&TokenResponse{AccessToken: "a", TokenType: "MAC"}).Credential(now)
	assert.Equal(t, "MAC", cred.TokenType)
	assert.Nil(t, cred.ExpiryDate)
}
