// Package tokens decides when credentials need refreshing and performs the refresh
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wrale/qwen-device-proxy/internal/credentials"
	"github.com/wrale/qwen-device-proxy/internal/oauth"
)

// DefaultRefreshBuffer is subtracted from the expiry so tokens are refreshed early
const DefaultRefreshBuffer = 30 * time.Second

var (
	// ErrNoCredential indicates no credential exists for the requested account
	ErrNoCredential = errors.New("no credential available")

	// ErrRefreshUnavailable indicates the credential has no refresh token
	ErrRefreshUnavailable = errors.New("no refresh token available")

	// ErrRefreshFailed indicates the token endpoint rejected the refresh
	ErrRefreshFailed = errors.New("token refresh failed")
)

// RefreshError carries the token endpoint's answer to a failed refresh
type RefreshError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *RefreshError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%v: %d %s: %s", ErrRefreshFailed, e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("%v: %d %s", ErrRefreshFailed, e.StatusCode, e.Code)
}

func (e *RefreshError) Unwrap() error {
	return ErrRefreshFailed
}

// Store is the credential persistence used by the manager
type Store interface {
	Load(accountID string) (credentials.Credential, bool, error)
	LoadAll() (map[string]credentials.Credential, error)
	Save(cred credentials.Credential, accountID string) error
}

// Refresher exchanges refresh tokens
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth.TokenResponse, error)
}

// Manager hands out valid access tokens, refreshing them under one process-wide lock
type Manager struct {
	store     Store
	refresher Refresher
	buffer    time.Duration
	now       func() time.Time
	logger    log.FieldLogger

	// mu serializes every check-and-refresh sequence across all accounts
	mu sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

// WithRefreshBuffer overrides DefaultRefreshBuffer
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		m.buffer = d
	}
}

// WithNow replaces the clock
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a token lifecycle manager
func NewManager(store Store, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		buffer:    DefaultRefreshBuffer,
		now:       time.Now,
		logger:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsValid reports whether cred has an expiry and is outside the refresh buffer
func (m *Manager) IsValid(cred credentials.Credential) bool {
	if cred.ExpiryDate == nil {
		return false
	}
	return m.now().UnixMilli() < *cred.ExpiryDate-m.buffer.Milliseconds()
}

// Refresh exchanges cred's refresh token and returns the replacement credential.
// The refresh token and resource URL carry over when the response omits them.
func (m *Manager) Refresh(ctx context.Context, cred credentials.Credential) (credentials.Credential, error) {
	if cred.RefreshToken == "" {
		return credentials.Credential{}, ErrRefreshUnavailable
	}

	resp, err := m.refresher.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		var oerr *oauth.Error
		if errors.As(err, &oerr) {
			desc := oerr.Description
			if desc == "" && oerr.Code == "" {
				desc = oerr.Body
			}
			return credentials.Credential{}, &RefreshError{StatusCode: oerr.StatusCode, Code: oerr.Code, Description: desc}
		}
		return credentials.Credential{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	next := resp.Credential(m.now())
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.ResourceURL == "" {
		next.ResourceURL = cred.ResourceURL
	}
	return next, nil
}

// GetValidAccessToken returns a usable access token for accountID ("" for the default slot)
func (m *Manager) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	cred, err := m.ValidCredential(ctx, accountID)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// ValidCredential returns a credential that IsValid, refreshing and persisting it when needed
func (m *Manager) ValidCredential(ctx context.Context, accountID string) (credentials.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.resolve(accountID)
	if err != nil {
		return credentials.Credential{}, err
	}
	if m.IsValid(cred) {
		return cred, nil
	}
	return m.refreshLocked(ctx, cred, accountID)
}

// ForceRefresh refreshes accountID's credential regardless of its expiry
func (m *Manager) ForceRefresh(ctx context.Context, accountID string) (credentials.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.resolve(accountID)
	if err != nil {
		return credentials.Credential{}, err
	}
	return m.refreshLocked(ctx, cred, accountID)
}

func (m *Manager) resolve(accountID string) (credentials.Credential, error) {
	cred, ok, err := m.store.Load(accountID)
	if err != nil {
		return credentials.Credential{}, fmt.Errorf("loading credential for %s: %w", credentials.Label(accountID), err)
	}
	if !ok && accountID != "" {
		all, err := m.store.LoadAll()
		if err != nil {
			return credentials.Credential{}, fmt.Errorf("loading accounts: %w", err)
		}
		cred, ok = all[accountID]
	}
	if !ok {
		return credentials.Credential{}, fmt.Errorf("%w for %s", ErrNoCredential, credentials.Label(accountID))
	}
	return cred, nil
}

func (m *Manager) refreshLocked(ctx context.Context, cred credentials.Credential, accountID string) (credentials.Credential, error) {
	entry := m.logger.WithField("account_id", credentials.Label(accountID))

	next, err := m.Refresh(ctx, cred)
	if err != nil {
		entry.Warnf("token refresh failed: %v", err)
		return credentials.Credential{}, fmt.Errorf("refreshing %s: %w", credentials.Label(accountID), err)
	}
	if err := m.store.Save(next, accountID); err != nil {
		return credentials.Credential{}, fmt.Errorf("saving refreshed credential for %s: %w", credentials.Label(accountID), err)
	}

	entry.Info("access token refreshed")
	return next, nil
}
