// Package usage tracks per-account request counts for the current UTC day
package usage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	log "github.com/sirupsen/logrus"

	"github.com/wrale/qwen-device-proxy/internal/credentials"
)

// FileName is the counter file inside the state directory
const FileName = "request_counts.json"

const dateLayout = "2006-01-02"

// state is the on-disk shape of the counter file
type state struct {
	LastResetDate string         `json:"lastResetDate"`
	Requests      map[string]int `json:"requests"`
}

// Counter keeps daily request counts and persists every change
type Counter struct {
	path   string
	now    func() time.Time
	logger log.FieldLogger

	mu    sync.Mutex
	state state
}

// Option configures a Counter
type Option func(*Counter)

// WithNow replaces the clock
func WithNow(now func() time.Time) Option {
	return func(c *Counter) {
		c.now = now
	}
}

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Option {
	return func(c *Counter) {
		c.logger = l
	}
}

// NewCounter loads the counter file at path. A missing or unreadable file
// starts empty and is replaced on the next write.
func NewCounter(path string, opts ...Option) *Counter {
	c := &Counter{
		path:   path,
		now:    time.Now,
		logger: log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state = c.empty()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		c.logger.Warnf("reading request counts, starting empty: %v", err)
	default:
		var loaded state
		if err := json.Unmarshal(data, &loaded); err != nil {
			c.logger.Warnf("parsing request counts, starting empty: %v", err)
			break
		}
		if loaded.Requests == nil {
			loaded.Requests = make(map[string]int)
		}
		c.state = loaded
	}

	return c
}

// IncrementAndGet adds one request for accountID and returns today's total.
// The in-memory count only changes once the file has been written.
func (c *Counter) IncrementAndGet(accountID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.current().clone()
	key := credentials.Label(accountID)
	next.Requests[key]++

	if err := c.persist(next); err != nil {
		return 0, err
	}
	c.state = next
	return next.Requests[key], nil
}

// Get returns today's count for accountID.
// A day change discovered here clears and persists the counters before reading.
func (c *Counter) Get(accountID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.rollover(); err != nil {
		return 0, err
	}
	return c.state.Requests[credentials.Label(accountID)], nil
}

// Snapshot returns the current date and a copy of all counts
func (c *Counter) Snapshot() (string, map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.rollover()
	view := c.current().clone()
	return view.LastResetDate, view.Requests, err
}

func (c *Counter) today() string {
	return c.now().UTC().Format(dateLayout)
}

func (c *Counter) empty() state {
	return state{LastResetDate: c.today(), Requests: make(map[string]int)}
}

// current is the state as of today without touching c.state; callers hold mu
func (c *Counter) current() state {
	if c.state.LastResetDate != c.today() {
		return c.empty()
	}
	return c.state
}

// rollover persists cleared counts when the UTC day has changed; callers hold mu
func (c *Counter) rollover() error {
	if c.state.LastResetDate == c.today() {
		return nil
	}
	next := c.empty()
	if err := c.persist(next); err != nil {
		return err
	}
	c.state = next
	return nil
}

func (s state) clone() state {
	out := state{LastResetDate: s.LastResetDate, Requests: make(map[string]int, len(s.Requests))}
	for k, v := range s.Requests {
		out.Requests[k] = v
	}
	return out
}

// persist writes s atomically; callers hold mu
func (c *Counter) persist(s state) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling request counts: %w", err)
	}
	if err := atomic.WriteFile(c.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing request counts: %w", err)
	}
	return nil
}
