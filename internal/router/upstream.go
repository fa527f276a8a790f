package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultUserAgent identifies the proxy to the vendor API
	DefaultUserAgent = "QwenOpenAIProxy/1.0.0 (linux; x64)"

	// DefaultTimeout bounds unary calls, the wait for stream headers and
	// the gap between two stream reads
	DefaultTimeout = 300 * time.Second

	maxErrorBody = 64 << 10
)

// Client posts OpenAI-style payloads to the vendor API
type Client struct {
	http      *http.Client
	userAgent string
	timeout   time.Duration
}

// NewClient creates an upstream client. The timeout covers a unary call end to
// end; for streams it bounds the wait for headers and each wait for more body.
func NewClient(timeout time.Duration, userAgent string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &Client{
		http:      &http.Client{Transport: transport},
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// Do sends a unary request and reads the whole response
func (c *Client) Do(ctx context.Context, a attempt, path string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.send(ctx, a, path, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		AccountID:  a.accountID,
	}, nil
}

// Open sends a streaming request and returns the live response.
// The caller owns the body. A read that waits longer than the client timeout
// for data fails with ErrStreamIdle.
func (c *Client) Open(ctx context.Context, a attempt, path string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.send(ctx, a, path, body, true)
	if err != nil {
		cancel()
		return nil, err
	}

	ib := &idleBody{body: resp.Body, timeout: c.timeout, cancel: cancel}
	ib.timer = time.AfterFunc(c.timeout, func() {
		ib.idle.Store(true)
		cancel()
	})
	resp.Body = ib
	return resp, nil
}

// idleBody cancels the request when no data arrives within timeout
type idleBody struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	idle    atomic.Bool
}

// Read arms the timer only while it waits on the vendor, so a slow consumer
// does not count against the stream.
func (b *idleBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.body.Read(p)
	b.timer.Stop()
	if err != nil && !errors.Is(err, io.EOF) && b.idle.Load() {
		return n, fmt.Errorf("%w after %s", ErrStreamIdle, b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.body.Close()
	b.cancel()
	return err
}

func (c *Client) send(ctx context.Context, a attempt, path string, body []byte, stream bool) (*http.Response, error) {
	url := strings.TrimSuffix(a.baseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	a.token.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return resp, nil
}

// attempt is the immutable set of values used for one upstream call
type attempt struct {
	accountID string
	baseURL   string
	token     *oauth2.Token
}
