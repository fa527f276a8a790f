package deviceflow

import (
	"context"
	"time"
)

// Store tracks pending device flow sessions between /auth/initiate and /auth/poll.
// Implementations must never persist the code verifier.
type Store interface {
	// SaveSession records a session until its expiry
	SaveSession(ctx context.Context, s *Session) error

	// GetSession returns the session for a device code, or nil if unknown or expired
	GetSession(ctx context.Context, deviceCode string) (*Session, error)

	// ClaimSession marks the session as owned by one polling sequence.
	// It fails with ErrSessionNotFound or ErrSessionClaimed.
	ClaimSession(ctx context.Context, deviceCode string) error

	// DeleteSession removes a session and its claim
	DeleteSession(ctx context.Context, deviceCode string) error

	// CheckHealth verifies the storage backend is healthy
	CheckHealth(ctx context.Context) error
}

// sessionRecord is the stored form of a Session
type sessionRecord struct {
	DeviceCode              string    `json:"device_code"`
	UserCode                string    `json:"user_code"`
	VerificationURI         string    `json:"verification_uri"`
	VerificationURIComplete string    `json:"verification_uri_complete,omitempty"`
	Interval                int       `json:"interval"`
	AccountID               string    `json:"account_id,omitempty"`
	ExpiresAt               time.Time `json:"expires_at"`
}

func newRecord(s *Session) sessionRecord {
	return sessionRecord{
		DeviceCode:              s.DeviceCode,
		UserCode:                s.UserCode,
		VerificationURI:         s.VerificationURI,
		VerificationURIComplete: s.VerificationURIComplete,
		Interval:                s.Interval,
		AccountID:               s.AccountID,
		ExpiresAt:               s.ExpiresAt,
	}
}

func (r sessionRecord) session(now time.Time) *Session {
	return &Session{
		DeviceCode:              r.DeviceCode,
		UserCode:                r.UserCode,
		VerificationURI:         r.VerificationURI,
		VerificationURIComplete: r.VerificationURIComplete,
		ExpiresIn:               int(r.ExpiresAt.Sub(now).Seconds()),
		Interval:                r.Interval,
		AccountID:               r.AccountID,
		ExpiresAt:               r.ExpiresAt,
	}
}
