// Package broker wires the credential store, device flow, token manager,
// request counter and dispatcher into one per-process context
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/wrale/qwen-device-proxy/internal/credentials"
	"github.com/wrale/qwen-device-proxy/internal/deviceflow"
	"github.com/wrale/qwen-device-proxy/internal/oauth"
	"github.com/wrale/qwen-device-proxy/internal/router"
	"github.com/wrale/qwen-device-proxy/internal/tokens"
	"github.com/wrale/qwen-device-proxy/internal/usage"
)

// Vendor defaults
const (
	DefaultClientID           = "f0304373b74a44d2b584a3fb70ca9e56"
	DefaultScope              = "openid profile email model.completion"
	DefaultDeviceCodeEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	DefaultTokenEndpoint      = "https://chat.qwen.ai/api/v1/oauth2/token"
)

// ErrAccountMismatch indicates a poll named a different account than the one the session was started for
var ErrAccountMismatch = errors.New("account_id does not match the device authorization")

// Config holds everything needed to build a Broker
type Config struct {
	StateDir string

	ClientID           string
	Scope              string
	DeviceCodeEndpoint string
	TokenEndpoint      string
	DefaultBaseURL     string
	UserAgent          string

	RefreshBuffer   time.Duration
	APITimeout      time.Duration
	PollInterval    time.Duration
	MaxPollAttempts int

	// Sessions records pending device authorizations; a MemoryStore when nil
	Sessions deviceflow.Store

	// HTTPClient is used for the vendor OAuth endpoints; optional
	HTTPClient *http.Client

	Logger log.FieldLogger
}

// AccountStatus describes one credential slot
type AccountStatus struct {
	ID            string     `json:"id"`
	Valid         bool       `json:"valid"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RequestsToday int        `json:"requests_today"`
	Active        bool       `json:"active"`
}

// Broker is the explicit context object shared by the HTTP server and the CLI
type Broker struct {
	store      *credentials.Store
	sessions   deviceflow.Store
	flow       *deviceflow.Flow
	tokens     *tokens.Manager
	counter    *usage.Counter
	dispatcher *router.Dispatcher
	logger     log.FieldLogger
}

// New builds a Broker from cfg
func New(cfg Config) (*Broker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.DeviceCodeEndpoint == "" {
		cfg.DeviceCodeEndpoint = DefaultDeviceCodeEndpoint
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = DefaultTokenEndpoint
	}
	if cfg.DefaultBaseURL == "" {
		cfg.DefaultBaseURL = router.DefaultBaseURL
	}
	if cfg.Sessions == nil {
		cfg.Sessions = deviceflow.NewMemoryStore()
	}

	store, err := credentials.NewStore(cfg.StateDir, credentials.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	counter := usage.NewCounter(filepath.Join(cfg.StateDir, usage.FileName), usage.WithLogger(logger))

	provider, err := oauth.NewClient(oauth.Config{
		ClientID: cfg.ClientID,
		Scope:    cfg.Scope,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: cfg.DeviceCodeEndpoint,
			TokenURL:      cfg.TokenEndpoint,
		},
		UserAgent:  cfg.UserAgent,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("creating oauth client: %w", err)
	}

	flowOpts := []deviceflow.Option{deviceflow.WithLogger(logger)}
	if cfg.PollInterval > 0 {
		flowOpts = append(flowOpts, deviceflow.WithPollInterval(cfg.PollInterval))
	}
	if cfg.MaxPollAttempts > 0 {
		flowOpts = append(flowOpts, deviceflow.WithMaxAttempts(cfg.MaxPollAttempts))
	}

	tokenOpts := []tokens.Option{tokens.WithLogger(logger)}
	if cfg.RefreshBuffer > 0 {
		tokenOpts = append(tokenOpts, tokens.WithRefreshBuffer(cfg.RefreshBuffer))
	}
	manager := tokens.NewManager(store, provider, tokenOpts...)

	dispatcher := router.NewDispatcher(manager, store, counter,
		router.NewClient(cfg.APITimeout, cfg.UserAgent),
		router.WithDefaultBaseURL(cfg.DefaultBaseURL),
		router.WithLogger(logger),
	)

	return &Broker{
		store:      store,
		sessions:   cfg.Sessions,
		flow:       deviceflow.NewFlow(provider, store, flowOpts...),
		tokens:     manager,
		counter:    counter,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Store returns the credential store
func (b *Broker) Store() *credentials.Store {
	return b.store
}

// Sessions returns the pending-session store
func (b *Broker) Sessions() deviceflow.Store {
	return b.sessions
}

// Counter returns the request counter
func (b *Broker) Counter() *usage.Counter {
	return b.counter
}

// GetValidAccessToken returns a usable access token for accountID ("" for the default slot)
func (b *Broker) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	return b.tokens.GetValidAccessToken(ctx, accountID)
}

// Dispatch performs a unary upstream call with failover
func (b *Broker) Dispatch(ctx context.Context, req router.Request) (*router.Response, error) {
	return b.dispatcher.Do(ctx, req)
}

// DispatchStream opens a streamed upstream call with failover
func (b *Broker) DispatchStream(ctx context.Context, req router.Request) (<-chan router.Chunk, error) {
	return b.dispatcher.Stream(ctx, req)
}

// Initiate starts a device authorization for accountID and records the pending session
func (b *Broker) Initiate(ctx context.Context, accountID string) (*deviceflow.Session, error) {
	if accountID != "" {
		if err := credentials.ValidateAccountID(accountID); err != nil {
			return nil, err
		}
	}

	sess, err := b.flow.Initiate(ctx)
	if err != nil {
		return nil, err
	}
	sess.AccountID = accountID

	if err := b.sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("recording session: %w", err)
	}

	b.logger.WithField("account_id", credentials.Label(accountID)).Info("device authorization started")
	return sess, nil
}

// Poll completes the device authorization started by Initiate and returns the
// account id the credential was saved under. accountID may be empty, in which
// case the account recorded at Initiate is used.
// The session is claimed first so only one caller polls a device code; it is
// removed once polling ends.
func (b *Broker) Poll(ctx context.Context, deviceCode, verifier, accountID string) (credentials.Credential, string, error) {
	sess, err := b.sessions.GetSession(ctx, deviceCode)
	if err != nil {
		return credentials.Credential{}, "", fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return credentials.Credential{}, "", deviceflow.ErrSessionNotFound
	}
	if accountID != "" && accountID != sess.AccountID {
		return credentials.Credential{}, "", ErrAccountMismatch
	}
	if err := b.sessions.ClaimSession(ctx, deviceCode); err != nil {
		return credentials.Credential{}, "", err
	}

	cred, err := b.flow.Poll(ctx, deviceCode, verifier, sess.AccountID)

	// ctx may already be cancelled; removal must still happen
	if derr := b.sessions.DeleteSession(context.WithoutCancel(ctx), deviceCode); derr != nil {
		b.logger.Warnf("removing device session: %v", derr)
	}
	return cred, sess.AccountID, err
}

// AddAccount runs a full device authorization for a named account.
// notify receives the session so the caller can show the verification URI.
func (b *Broker) AddAccount(ctx context.Context, accountID string, notify func(*deviceflow.Session)) error {
	if err := credentials.ValidateAccountID(accountID); err != nil {
		return err
	}
	return b.authorize(ctx, accountID, notify)
}

// Authorize runs a full device authorization for the default slot
func (b *Broker) Authorize(ctx context.Context, notify func(*deviceflow.Session)) error {
	return b.authorize(ctx, "", notify)
}

func (b *Broker) authorize(ctx context.Context, accountID string, notify func(*deviceflow.Session)) error {
	sess, err := b.Initiate(ctx, accountID)
	if err != nil {
		return err
	}
	if notify != nil {
		notify(sess)
	}
	_, _, err = b.Poll(ctx, sess.DeviceCode, sess.CodeVerifier, accountID)
	return err
}

// RemoveAccount deletes a named account's credential
func (b *Broker) RemoveAccount(accountID string) error {
	if err := credentials.ValidateAccountID(accountID); err != nil {
		return err
	}
	if err := b.store.Remove(accountID); err != nil {
		return err
	}
	b.logger.WithField("account_id", accountID).Info("account removed")
	return nil
}

// ListAccounts reports every credential slot: the default slot first when it
// exists, then named accounts by id
func (b *Broker) ListAccounts(ctx context.Context) ([]AccountStatus, error) {
	named, err := b.store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	ids := make([]string, 0, len(named))
	for id := range named {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	active, err := b.dispatcher.Current()
	if err != nil {
		return nil, err
	}

	var out []AccountStatus
	def, ok, err := b.store.Load("")
	if err != nil {
		return nil, fmt.Errorf("loading default credential: %w", err)
	}
	if ok {
		st, err := b.status("", def)
		if err != nil {
			return nil, err
		}
		st.Active = len(ids) == 0
		out = append(out, st)
	}

	for _, id := range ids {
		st, err := b.status(id, named[id])
		if err != nil {
			return nil, err
		}
		st.Active = id == active
		out = append(out, st)
	}
	return out, nil
}

func (b *Broker) status(accountID string, cred credentials.Credential) (AccountStatus, error) {
	n, err := b.counter.Get(accountID)
	if err != nil {
		return AccountStatus{}, fmt.Errorf("reading request count: %w", err)
	}
	st := AccountStatus{
		ID:            credentials.Label(accountID),
		Valid:         b.tokens.IsValid(cred),
		RequestsToday: n,
	}
	if exp, ok := cred.Expiry(); ok {
		st.ExpiresAt = &exp
	}
	return st, nil
}

// CheckHealth reports whether the session store is reachable
func (b *Broker) CheckHealth(ctx context.Context) error {
	if err := b.sessions.CheckHealth(ctx); err != nil {
		return errors.Join(errors.New("session store unhealthy"), err)
	}
	return nil
}
