package router

import (
	"errors"
	"fmt"
)

// ErrAllAccountsExhausted indicates every account was tried and reported quota exhaustion
var ErrAllAccountsExhausted = errors.New("all accounts exhausted")

// ErrStreamIdle indicates the vendor stopped sending stream data for longer than the API timeout
var ErrStreamIdle = errors.New("upstream stream idle")

// UpstreamError is a non-2xx response from the vendor API
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Body)
}

// TransportError is a failure to reach the vendor API or to read its response
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned after every account has been tried
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrAllAccountsExhausted, e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last upstream error
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrAllAccountsExhausted, e.Last}
}
