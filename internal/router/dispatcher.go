// Package router sends OpenAI-style requests to the vendor API and fails over
// between accounts when one runs out of quota
package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/wrale/qwen-device-proxy/internal/credentials"
)

// Request is an upstream call: a path under the base URL and a JSON payload
type Request struct {
	Path string
	Body []byte
}

// Response is a completed unary upstream call
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	AccountID  string
}

// TokenSource hands out valid credentials
type TokenSource interface {
	ValidCredential(ctx context.Context, accountID string) (credentials.Credential, error)
	ForceRefresh(ctx context.Context, accountID string) (credentials.Credential, error)
}

// AccountSource lists the named accounts
type AccountSource interface {
	LoadAll() (map[string]credentials.Credential, error)
}

// RequestCounter records one upstream attempt per call
type RequestCounter interface {
	IncrementAndGet(accountID string) (int, error)
}

// Dispatcher picks an account for each call and rotates on quota errors.
// The cursor is sticky: it stays on an account until that account reports quota exhaustion.
type Dispatcher struct {
	tokens   TokenSource
	accounts AccountSource
	counter  RequestCounter
	client   *Client
	baseURL  string
	logger   log.FieldLogger

	mu     sync.Mutex
	cursor int
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithDefaultBaseURL sets the base URL used when a credential has no resource_url
func WithDefaultBaseURL(url string) Option {
	return func(d *Dispatcher) {
		d.baseURL = url
	}
}

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher creates a dispatcher
func NewDispatcher(tokens TokenSource, accounts AccountSource, counter RequestCounter, client *Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tokens:   tokens,
		accounts: accounts,
		counter:  counter,
		client:   client,
		baseURL:  DefaultBaseURL,
		logger:   log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do performs a unary call
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	return dispatch(ctx, d, func(ctx context.Context, a attempt) (*Response, error) {
		return d.client.Do(ctx, a, req.Path, req.Body)
	})
}

// Current returns the account the cursor points at, or "" in single-account mode
func (d *Dispatcher) Current() (string, error) {
	ids, err := d.accountIDs()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return d.current(ids), nil
}

// dispatch runs send against the cursor account and rotates on quota errors.
// Every account is tried at most once per call.
func dispatch[T any](ctx context.Context, d *Dispatcher, send func(context.Context, attempt) (T, error)) (T, error) {
	var zero T

	ids, err := d.accountIDs()
	if err != nil {
		return zero, err
	}
	if len(ids) == 0 {
		return tryAccount(ctx, d, "", send)
	}

	var lastErr error
	for i := 0; i < len(ids); i++ {
		id := d.current(ids)
		out, err := tryAccount(ctx, d, id, send)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil || Classify(err) != ClassQuota {
			return zero, err
		}
		d.logger.WithField("account_id", id).Warnf("quota exhausted, rotating: %v", err)
		d.advance(ids, id)
	}

	d.logger.WithField("attempts", len(ids)).Error("all accounts exhausted")
	return zero, &ExhaustedError{Attempts: len(ids), Last: lastErr}
}

// tryAccount sends once and, on an auth failure, refreshes and sends once more
func tryAccount[T any](ctx context.Context, d *Dispatcher, accountID string, send func(context.Context, attempt) (T, error)) (T, error) {
	var zero T

	cred, err := d.tokens.ValidCredential(ctx, accountID)
	if err != nil {
		return zero, err
	}

	out, err := sendCounted(ctx, d, d.newAttempt(accountID, cred), send)
	if err == nil || ctx.Err() != nil || Classify(err) != ClassAuth {
		return out, err
	}

	entry := d.logger.WithField("account_id", credentials.Label(accountID))
	entry.Warnf("auth error from upstream, forcing refresh: %v", err)

	cred, rerr := d.tokens.ForceRefresh(ctx, accountID)
	if rerr != nil {
		return zero, fmt.Errorf("%w (refresh after auth error failed: %w)", err, rerr)
	}
	return sendCounted(ctx, d, d.newAttempt(accountID, cred), send)
}

// sendCounted counts the attempt against the account before sending
func sendCounted[T any](ctx context.Context, d *Dispatcher, a attempt, send func(context.Context, attempt) (T, error)) (T, error) {
	n, err := d.counter.IncrementAndGet(a.accountID)
	entry := d.logger.WithField("account_id", credentials.Label(a.accountID))
	if err != nil {
		entry.Warnf("failed to record request count: %v", err)
	} else {
		entry.WithField("requests_today", n).Debug("sending upstream request")
	}
	return send(ctx, a)
}

func (d *Dispatcher) newAttempt(accountID string, cred credentials.Credential) attempt {
	return attempt{
		accountID: accountID,
		baseURL:   ResolveBaseURL(cred.ResourceURL, d.baseURL),
		token: &oauth2.Token{
			AccessToken: cred.AccessToken,
			TokenType:   cred.TokenType,
		},
	}
}

func (d *Dispatcher) accountIDs() ([]string, error) {
	all, err := d.accounts.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Dispatcher) current(ids []string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursor >= len(ids) {
		d.cursor %= len(ids)
	}
	return ids[d.cursor]
}

// advance moves the cursor past failed unless another call already moved it
func (d *Dispatcher) advance(ids []string, failed string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ids[d.cursor%len(ids)] == failed {
		d.cursor = (d.cursor + 1) % len(ids)
	}
}
