// Package deviceflow implements the OAuth 2.0 Device Authorization Grant (RFC 8628)
// with PKCE (RFC 7636) as a client of the vendor's authorization server
package deviceflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wrale/qwen-device-proxy/internal/credentials"
	"github.com/wrale/qwen-device-proxy/internal/oauth"
)

const (
	// DefaultPollInterval is the initial wait between token requests
	DefaultPollInterval = 5 * time.Second

	// DefaultMaxPollInterval caps the interval after slow_down responses
	DefaultMaxPollInterval = 10 * time.Second

	// DefaultMaxAttempts bounds polling to roughly five minutes at the default interval
	DefaultMaxAttempts = 60

	slowDownFactor = 1.5
)

// Provider is the vendor side of the device flow
type Provider interface {
	RequestDeviceCode(ctx context.Context, challenge string) (*oauth.DeviceAuthorization, error)
	ExchangeDeviceCode(ctx context.Context, deviceCode, verifier string) (*oauth.TokenResponse, error)
}

// CredentialSaver persists the credential produced by a completed flow
type CredentialSaver interface {
	Save(cred credentials.Credential, accountID string) error
}

// Flow runs device authorizations against the vendor and stores the resulting credentials
type Flow struct {
	provider     Provider
	saver        CredentialSaver
	pollInterval time.Duration
	maxInterval  time.Duration
	maxAttempts  int
	clock        Clock
	logger       log.FieldLogger
}

// NewFlow creates a device flow engine with provided options
func NewFlow(provider Provider, saver CredentialSaver, opts ...Option) *Flow {
	f := &Flow{
		provider:     provider,
		saver:        saver,
		pollInterval: DefaultPollInterval,
		maxInterval:  DefaultMaxPollInterval,
		maxAttempts:  DefaultMaxAttempts,
		clock:        realClock{},
		logger:       log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.pollInterval <= 0 {
		f.pollInterval = DefaultPollInterval
	}
	if f.maxInterval < f.pollInterval {
		f.maxInterval = f.pollInterval
	}
	if f.maxAttempts <= 0 {
		f.maxAttempts = DefaultMaxAttempts
	}

	return f
}

// Initiate requests a device code and returns the session the caller must carry to Poll
func (f *Flow) Initiate(ctx context.Context) (*Session, error) {
	verifier, challenge := GenerateVerifierChallenge()

	auth, err := f.provider.RequestDeviceCode(ctx, challenge)
	if err != nil {
		var oerr *oauth.Error
		if errors.As(err, &oerr) {
			desc := oerr.Description
			if desc == "" && oerr.Code == "" {
				desc = fmt.Sprintf("status %d: %s", oerr.StatusCode, oerr.Body)
			}
			return nil, &Error{Kind: ErrInitiation, Code: oerr.Code, Description: desc}
		}
		return nil, &Error{Kind: ErrInitiation, Description: err.Error()}
	}

	interval := auth.Interval
	if interval <= 0 {
		interval = int(f.pollInterval.Seconds())
	}

	return &Session{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		ExpiresIn:               auth.ExpiresIn,
		Interval:                interval,
		CodeVerifier:            verifier,
		ExpiresAt:               f.clock.Now().Add(time.Duration(auth.ExpiresIn) * time.Second),
	}, nil
}

// pollState is the state of one device code after a token request
type pollState int

const (
	statePending pollState = iota
	stateSlowDown
	stateAuthorized
	stateExpired
	stateDenied
	stateInvalidCode
	stateTransient
)

type pollResult struct {
	state       pollState
	token       *oauth.TokenResponse
	code        string
	description string
	err         error
}

// classifyPoll maps one token endpoint outcome onto the poll state machine
func classifyPoll(token *oauth.TokenResponse, err error) pollResult {
	if err == nil {
		return pollResult{state: stateAuthorized, token: token}
	}

	var oerr *oauth.Error
	if !errors.As(err, &oerr) || oerr.StatusCode != http.StatusBadRequest {
		return pollResult{state: stateTransient, err: err}
	}

	res := pollResult{code: oerr.Code, description: oerr.Description, err: err}
	switch oerr.Code {
	case ErrorCodeAuthorizationPending:
		res.state = statePending
	case ErrorCodeSlowDown:
		res.state = stateSlowDown
	case ErrorCodeExpiredToken:
		res.state = stateExpired
	case ErrorCodeAccessDenied:
		res.state = stateDenied
	default:
		code, desc := strings.ToLower(oerr.Code), strings.ToLower(oerr.Description)
		if (strings.Contains(code, "invalid") || strings.Contains(desc, "invalid")) && strings.Contains(desc, "code") {
			res.state = stateInvalidCode
		} else {
			res.state = stateTransient
		}
	}
	return res
}

// Poll exchanges the device code until the user approves, denies, or the attempt budget runs out.
// On success the credential is saved under accountID ("" for the default slot).
// Cancelling ctx stops polling between attempts; a request already sent is allowed to finish.
func (f *Flow) Poll(ctx context.Context, deviceCode, verifier, accountID string) (credentials.Credential, error) {
	if deviceCode == "" || verifier == "" {
		return credentials.Credential{}, &Error{Kind: ErrInvalidCode, Description: "device_code and code_verifier are required"}
	}

	entry := f.logger.WithFields(log.Fields{
		"device_code": shortCode(deviceCode),
		"account_id":  credentials.Label(accountID),
	})
	interval := f.pollInterval

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return credentials.Credential{}, fmt.Errorf("polling cancelled: %w", err)
		}

		token, err := f.provider.ExchangeDeviceCode(context.WithoutCancel(ctx), deviceCode, verifier)
		res := classifyPoll(token, err)

		switch res.state {
		case stateAuthorized:
			cred := res.token.Credential(f.clock.Now())
			if err := f.saver.Save(cred, accountID); err != nil {
				return credentials.Credential{}, fmt.Errorf("saving credential: %w", err)
			}
			entry.Infof("device authorized after %d attempts", attempt)
			return cred, nil

		case stateExpired:
			return credentials.Credential{}, &Error{Kind: ErrExpired, Code: res.code, Description: res.description}
		case stateDenied:
			return credentials.Credential{}, &Error{Kind: ErrDenied, Code: res.code, Description: res.description}
		case stateInvalidCode:
			return credentials.Credential{}, &Error{Kind: ErrInvalidCode, Code: res.code, Description: res.description}

		case stateSlowDown:
			interval = time.Duration(float64(interval) * slowDownFactor)
			if interval > f.maxInterval {
				interval = f.maxInterval
			}
			entry.Debugf("slow_down received, interval now %s", interval)
		case statePending:
			entry.Debugf("poll attempt %d/%d: authorization pending", attempt, f.maxAttempts)
		case stateTransient:
			entry.Warnf("poll attempt %d/%d failed: %v", attempt, f.maxAttempts, res.err)
		}

		if attempt == f.maxAttempts {
			break
		}
		if err := f.wait(ctx, interval); err != nil {
			return credentials.Credential{}, fmt.Errorf("polling cancelled: %w", err)
		}
	}

	return credentials.Credential{}, &Error{
		Kind:        ErrTimeout,
		Description: fmt.Sprintf("no authorization after %d attempts", f.maxAttempts),
	}
}

func (f *Flow) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.clock.After(d):
		return nil
	}
}

func shortCode(code string) string {
	if len(code) <= 8 {
		return code
	}
	return code[:8]
}
