package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	// DeviceGrantType is the RFC 8628 grant type for device code exchange
	DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// HTTP request timeout for token endpoint calls
	defaultTimeout = 30 * time.Second

	// Upper bound on response bodies read from the vendor
	maxBodySize = 1 << 20
)

// Config holds the vendor OAuth client settings
type Config struct {
	ClientID   string
	Scope      string
	Endpoint   oauth2.Endpoint // DeviceAuthURL and TokenURL are used
	UserAgent  string
	HTTPClient *http.Client
}

// Client issues form-encoded requests to the vendor's device and token endpoints
type Client struct {
	client        *http.Client
	clientID      string
	scope         string
	deviceAuthURL string
	tokenURL      string
	userAgent     string
}

// NewClient creates a vendor OAuth client
func NewClient(cfg Config) (*Client, error) {
	// Validate required fields
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if cfg.Endpoint.DeviceAuthURL == "" {
		return nil, fmt.Errorf("device authorization URL is required")
	}
	for _, raw := range []string{cfg.Endpoint.TokenURL, cfg.Endpoint.DeviceAuthURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("invalid endpoint URL %q: %w", raw, err)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		client:        httpClient,
		clientID:      cfg.ClientID,
		scope:         cfg.Scope,
		deviceAuthURL: cfg.Endpoint.DeviceAuthURL,
		tokenURL:      cfg.Endpoint.TokenURL,
		userAgent:     cfg.UserAgent,
	}, nil
}

// ClientID returns the configured OAuth client id
func (c *Client) ClientID() string {
	return c.clientID
}

// RequestDeviceCode starts a device authorization with a PKCE S256 challenge
func (c *Client) RequestDeviceCode(ctx context.Context, challenge string) (*DeviceAuthorization, error) {
	data := url.Values{
		"client_id":             {c.clientID},
		"scope":                 {c.scope},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	status, body, err := c.post(ctx, c.deviceAuthURL, data)
	if err != nil {
		return nil, fmt.Errorf("sending device code request: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, parseError(status, body)
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("%w: parsing device code response: %v", ErrInvalidResponse, err)
	}
	if auth.DeviceCode == "" {
		// some failures come back as 200 with an error body
		if e := gjson.GetBytes(body, "error"); e.Exists() {
			return nil, parseError(status, body)
		}
		return nil, fmt.Errorf("%w: device code response missing device_code", ErrInvalidResponse)
	}

	return &auth, nil
}

// ExchangeDeviceCode performs one device_code grant attempt.
// Non-200 responses are returned as *Error so callers can inspect the RFC 8628 error code.
func (c *Client) ExchangeDeviceCode(ctx context.Context, deviceCode, verifier string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {DeviceGrantType},
		"client_id":     {c.clientID},
		"device_code":   {deviceCode},
		"code_verifier": {verifier},
	}

	status, body, err := c.post(ctx, c.tokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("sending token request: %w", err)
	}
	if status != http.StatusOK {
		return nil, parseError(status, body)
	}

	return parseToken(body)
}

// RefreshToken exchanges a refresh token for a new access token
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
	}

	status, body, err := c.post(ctx, c.tokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("sending refresh request: %w", err)
	}
	if status != http.StatusOK {
		return nil, parseError(status, body)
	}

	return parseToken(body)
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-request-id", uuid.NewString())
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func parseError(status int, body []byte) *Error {
	e := &Error{
		StatusCode: status,
		Body:       strings.TrimSpace(string(body)),
	}
	if gjson.ValidBytes(body) {
		e.Code = gjson.GetBytes(body, "error").String()
		e.Description = gjson.GetBytes(body, "error_description").String()
	}
	return e
}

func parseToken(body []byte) (*TokenResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: token response is not JSON", ErrInvalidResponse)
	}
	parsed := gjson.ParseBytes(body)

	token := &TokenResponse{
		AccessToken:  parsed.Get("access_token").String(),
		TokenType:    parsed.Get("token_type").String(),
		RefreshToken: parsed.Get("refresh_token").String(),
		ResourceURL:  parsed.Get("resource_url").String(),
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrInvalidResponse)
	}
	if token.ResourceURL == "" {
		token.ResourceURL = parsed.Get("endpoint").String()
	}
	if exp := parsed.Get("expires_in"); exp.Exists() && exp.Type == gjson.Number {
		secs := exp.Int()
		token.ExpiresIn = &secs
	}

	return token, nil
}
