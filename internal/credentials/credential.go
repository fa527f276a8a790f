// Package credentials persists OAuth credentials for the default slot and named accounts
package credentials

import "time"

// DefaultTokenType is assumed when the token endpoint omits token_type
const DefaultTokenType = "Bearer"

// DefaultAccountID labels the single-credential slot in listings and counters
const DefaultAccountID = "default"

// Credential is one persisted OAuth credential record.
// A credential without ExpiryDate is never considered valid.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ResourceURL  string `json:"resource_url,omitempty"`
	ExpiryDate   *int64 `json:"expiry_date,omitempty"` // epoch milliseconds
}

// Expiry returns the expiry as a time and whether one is set
func (c Credential) Expiry() (time.Time, bool) {
	if c.ExpiryDate == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*c.ExpiryDate), true
}

// ExpiryFromNow computes an expiry_date from an expires_in value in seconds
func ExpiryFromNow(now time.Time, expiresIn int64) *int64 {
	ms := now.UnixMilli() + expiresIn*1000
	return &ms
}

// Label returns the display id for an account, mapping the default slot to DefaultAccountID
func Label(accountID string) string {
	if accountID == "" {
		return DefaultAccountID
	}
	return accountID
}

func (c Credential) clone() Credential {
	if c.ExpiryDate != nil {
		ms := *c.ExpiryDate
		c.ExpiryDate = &ms
	}
	return c
}
