package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrale/qwen-device-proxy/internal/credentials"
)

type fakeTokens struct {
	mu        sync.Mutex
	current   map[string]string
	refreshed map[string]string
	refreshes map[string]int
	err       error
}

func newFakeTokens(current map[string]string) *fakeTokens {
	return &fakeTokens{current: current, refreshed: map[string]string{}, refreshes: map[string]int{}}
}

func (f *fakeTokens) ValidCredential(ctx context.Context, id string) (credentials.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.current[id]
	if !ok {
		return credentials.Credential{}, fmt.Errorf("no credential for %q", id)
	}
	return credentials.Credential{AccessToken: tok, TokenType: "Bearer"}, nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, id string) (credentials.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes[id]++
	if f.err != nil {
		return credentials.Credential{}, f.err
	}
	tok, ok := f.refreshed[id]
	if !ok {
		tok = f.current[id] + "-refreshed"
	}
	f.current[id] = tok
	return credentials.Credential{AccessToken: tok}, nil
}

type fakeAccounts []string

func (f fakeAccounts) LoadAll() (map[string]credentials.Credential, error) {
	out := make(map[string]credentials.Credential, len(f))
	for _, id := range f {
		out[id] = credentials.Credential{}
	}
	return out, nil
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (f *fakeCounter) IncrementAndGet(id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[credentials.Label(id)]++
	return f.counts[credentials.Label(id)], f.err
}

// upstream answers by bearer token and records which tokens it saw
type upstream struct {
	mu    sync.Mutex
	hits  []string
	reply map[string]func(w http.ResponseWriter)
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	u.mu.Lock()
	u.hits = append(u.hits, tok)
	reply := u.reply[tok]
	u.mu.Unlock()
	if reply == nil {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"served_by":%q}`, tok)
		return
	}
	reply(w)
}

func (u *upstream) seen() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.hits...)
}

func status(code int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
		io.WriteString(w, body)
	}
}

func newTestDispatcher(t *testing.T, u *upstream, tokens *fakeTokens, accounts fakeAccounts) (*Dispatcher, *fakeCounter) {
	t.Helper()
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)
	counter := &fakeCounter{}
	d := NewDispatcher(tokens, accounts, counter, NewClient(0, ""), WithDefaultBaseURL(srv.URL+"/v1"))
	return d, counter
}

var chatReq = Request{Path: "/chat/completions", Body: []byte(`{"model":"qwen3-coder-plus"}`)}

func TestResolveBaseURL(t *testing.T) {
	const fallback = "https://fallback/v1"
	tests := []struct {
		in, want string
	}{
		{"", fallback},
		{"portal.qwen.ai", "https://portal.qwen.ai/v1"},
		{"portal.qwen.ai/", "https://portal.qwen.ai/v1"},
		{"https://portal.qwen.ai/v1", "https://portal.qwen.ai/v1"},
		{"http://localhost:8080", "http://localhost:8080/v1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveBaseURL(tt.in, fallback), tt.in)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassOther},
		{"429", &UpstreamError{StatusCode: 429}, ClassQuota},
		{"quota text", &UpstreamError{StatusCode: 400, Body: `{"code":"insufficient_quota"}`}, ClassQuota},
		{"free quota", errors.New("Free allocated quota exceeded."), ClassQuota},
		{"401", &UpstreamError{StatusCode: 401}, ClassAuth},
		{"400", &UpstreamError{StatusCode: 400, Body: "bad"}, ClassAuth},
		{"504", &UpstreamError{StatusCode: 504}, ClassAuth},
		{"auth text", &TransportError{Err: errors.New("Invalid access token")}, ClassAuth},
		{"500", &UpstreamError{StatusCode: 500, Body: "boom"}, ClassOther},
		{"wrapped", fmt.Errorf("call: %w", &UpstreamError{StatusCode: 403}), ClassAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDoSingleAccount(t *testing.T) {
	u := &upstream{}
	d, counter := newTestDispatcher(t, u, newFakeTokens(map[string]string{"": "tok-default"}), nil)

	resp, err := d.Do(context.Background(), chatReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"served_by":"tok-default"}`, string(resp.Body))
	assert.Equal(t, "", resp.AccountID)
	assert.Equal(t, map[string]int{"default": 1}, counter.counts)
}

func TestQuotaRotationIsSticky(t *testing.T) {
	u := &upstream{reply: map[string]func(http.ResponseWriter){
		"tok-a": status(http.StatusTooManyRequests, `{"error":"quota exceeded"}`),
	}}
	tokens := newFakeTokens(map[string]string{"a": "tok-a", "b": "tok-b", "c": "tok-c"})
	d, counter := newTestDispatcher(t, u, tokens, fakeAccounts{"c", "a", "b"})

	resp, err := d.Do(context.Background(), chatReq)
	require.NoError(t, err)
	assert.Equal(t, "b", resp.AccountID)

	resp, err = d.Do(context.Background(), chatReq)
	require.NoError(t, err)
	assert.Equal(t, "b", resp.AccountID)

	cur, err := d.Current()
	require.NoError(t, err)
	assert.Equal(t, "b", cur)

	assert.Equal(t, []string{"tok-a", "tok-b", "tok-b"}, u.seen())
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, counter.counts)
}

func TestAllAccountsExhausted(t *testing.T) {
	quota := status(http.StatusTooManyRequests, "slow down")
	u := &upstream{reply: map[string]func(http.ResponseWriter){
		"tok-a": quota, "tok-b": quota, "tok-c": quota,
	}}
	tokens := newFakeTokens(map[string]string{"a": "tok-a", "b": "tok-b", "c": "tok-c"})
	d, _ := newTestDispatcher(t, u, tokens, fakeAccounts{"a", "b", "c"})

	_, err := d.Do(context.Background(), chatReq)
	require.ErrorIs(t, err, ErrAllAccountsExhausted)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)

	var uerr *UpstreamError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, http.StatusTooManyRequests, uerr.StatusCode)

	assert.ElementsMatch(t, []string{"tok-a", "tok-b", "tok-c"}, u.seen())
}

func TestAuthErrorRefreshesOnce(t *testing.T) {
	u := &upstream{reply: map[string]func(http.ResponseWriter){
		"tok-a": status(http.StatusUnauthorized, "unauthorized"),
	}}
	tokens := newFakeTokens(map[string]string{"a": "tok-a", "b": "tok-b"})
	tokens.refreshed["a"] = "tok-a2"
	d, counter := newTestDispatcher(t, u, tokens, fakeAccounts{"a", "b"})

	resp, err := d.Do(context.Background(), chatReq)
	require.NoError(t, err)
	assert.Equal(t, "a", resp.AccountID)
	assert.JSONEq(t, `{"served_by":"tok-a2"}`, string(resp.Body))
	assert.Equal(t, 1, tokens.refreshes["a"])
	assert.Equal(t, []string{"tok-a", "tok-a2"}, u.seen())
	assert.Equal(t, 2, counter.counts["a"])
}

func TestAuthErrorAfterRefreshPropagates(t *testing.T) {
	denied := status(http.StatusForbidden, "forbidden")
	u := &upstream{reply: map[string]func(http.ResponseWriter){
		"tok-a": denied, "tok-a2": denied,
	}}
	tokens := newFakeTokens(map[string]string{"a": "tok-a", "b": "tok-b"})
	tokens.refreshed["a"] = "tok-a2"
	d, _ := newTestDispatcher(t, u, tokens, fakeAccounts{"a", "b"})

	_, err := d.Do(context.Background(), chatReq)
	var uerr *UpstreamError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, http.StatusForbidden, uerr.StatusCode)
	assert.Equal(t, 1, tokens.refreshes["a"])
	assert.NotContains(t, u.seen(), "tok-b")
}

func TestRefreshFailureKeepsUpstreamError(t *testing.T) {
	u := &upstream{reply: map[string]func(http.ResponseWriter){
		"tok-a": status(http.StatusUnauthorized, "token expired"),
	}}
	tokens := newFakeTokens(map[string]string{"a": "tok-a"})
	tokens.err = errors.New("refresh token revoked")
	d, _ := newTestDispatcher(t, u, tokens, fakeAccounts{"a"})

	_, err := d.Do(context.Background(), chatReq)
	require.Error(t, err)
	var uerr *UpstreamError
	assert.True(t, errors.As(err, &uerr))
	assert.Contains(t, err.Error(), "refresh token revoked")
}

func TestOtherErrorsDoNotRotate(t *testing.T) {
	u := &upstream{reply: map[string]func(http.ResponseWriter){
		"tok-a": status(http.StatusInternalServerError, "boom"),
	}}
	tokens := newFakeTokens(map[string]string{"a": "tok-a", "b": "tok-b"})
	d, _ := newTestDispatcher(t, u, tokens, fakeAccounts{"a", "b"})

	_, err := d.Do(context.Background(), chatReq)
	var uerr *UpstreamError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, http.StatusInternalServerError, uerr.StatusCode)
	assert.Equal(t, []string{"tok-a"}, u.seen())

	cur, err := d.Current()
	require.NoError(t, err)
	assert.Equal(t, "a", cur)
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.Path
		io.WriteString(w, "{}")
	}))
	defer srv.Close()

	tokens := newFakeTokens(map[string]string{"": "tok"})
	d := NewDispatcher(tokens, fakeAccounts{}, &fakeCounter{}, NewClient(0, ""), WithDefaultBaseURL(srv.URL+"/v1"))

	_, err := d.Do(context.Background(), chatReq)
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	assert.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestCounterFailureOnlyWarns(t *testing.T) {
	u := &upstream{}
	srv := httptest.NewServer(u)
	defer srv.Close()

	logger, hook := test.NewNullLogger()
	counter := &fakeCounter{err: errors.New("disk full")}
	tokens := newFakeTokens(map[string]string{"": "tok"})
	d := NewDispatcher(tokens, fakeAccounts{}, counter, NewClient(0, ""),
		WithDefaultBaseURL(srv.URL+"/v1"), WithLogger(logger))

	resp, err := d.Do(context.Background(), chatReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "disk full")
	assert.Equal(t, "default", hook.LastEntry().Data["account_id"])
}
