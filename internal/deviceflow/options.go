package deviceflow

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Option configures the device flow engine
type Option func(*Flow)

// WithPollInterval sets the initial polling interval
// per RFC 8628 section 3.5, clients must wait between polling attempts
func WithPollInterval(d time.Duration) Option {
	return func(f *Flow) {
		f.pollInterval = d
	}
}

// WithMaxPollInterval caps the interval growth caused by slow_down responses
func WithMaxPollInterval(d time.Duration) Option {
	return func(f *Flow) {
		f.maxInterval = d
	}
}

// WithMaxAttempts sets the polling attempt budget
func WithMaxAttempts(n int) Option {
	return func(f *Flow) {
		f.maxAttempts = n
	}
}

// WithClock replaces the wall clock, mainly for tests
func WithClock(c Clock) Option {
	return func(f *Flow) {
		f.clock = c
	}
}

// WithLogger sets the logger for transient polling failures
func WithLogger(l log.FieldLogger) Option {
	return func(f *Flow) {
		f.logger = l
	}
}
