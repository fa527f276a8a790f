// Package oauth talks to the vendor's OAuth 2.0 device authorization and token endpoints
package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/wrale/qwen-device-proxy/internal/credentials"
)

// ErrInvalidResponse indicates a 2xx response that could not be used
var ErrInvalidResponse = errors.New("invalid oauth response")

// Error is a non-200 response from the vendor endpoint.
// Code and Description come from the RFC 6749 error body when present.
type Error struct {
	StatusCode  int
	Code        string
	Description string
	Body        string
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("oauth error %d: %s: %s", e.StatusCode, e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("oauth error %d: %s", e.StatusCode, e.Code)
	default:
		return fmt.Sprintf("oauth error %d: %s", e.StatusCode, e.Body)
	}
}

// DeviceAuthorization is the device-code endpoint response per RFC 8628 section 3.2
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval,omitempty"`
}

// TokenResponse is a successful token endpoint response
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ResourceURL  string // resource_url, or endpoint when resource_url is absent
	ExpiresIn    *int64 // seconds; nil when the response omits expires_in
}

// Credential converts the response into a credential record issued at now
func (t *TokenResponse) Credential(now time.Time) credentials.Credential {
	cred := credentials.Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ResourceURL:  t.ResourceURL,
	}
	if cred.TokenType == "" {
		cred.TokenType = credentials.DefaultTokenType
	}
	if t.ExpiresIn != nil {
		cred.ExpiryDate = credentials.ExpiryFromNow(now, *t.ExpiresIn)
	}
	return cred
}
