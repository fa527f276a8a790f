package deviceflow

import "time"

// Session is an in-progress device authorization per RFC 8628 section 3.2.
// CodeVerifier travels to the caller and back; stores never persist it.
type Session struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"` // seconds
	Interval                int    `json:"interval"`   // seconds
	CodeVerifier            string `json:"code_verifier"`

	// Tracking fields, not part of the wire format
	AccountID string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// DisplayURI returns the URI to show the user, preferring the one with the user code embedded
func (s *Session) DisplayURI() string {
	if s.VerificationURIComplete != "" {
		return s.VerificationURIComplete
	}
	return s.VerificationURI
}

// HasCompleteURI reports whether the user code is already embedded in DisplayURI
func (s *Session) HasCompleteURI() bool {
	return s.VerificationURIComplete != ""
}
