package deviceflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]sessionRecord
	claimed  map[string]bool
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]sessionRecord),
		claimed:  make(map[string]bool),
		now:      time.Now,
	}
}

// SaveSession records a session
func (m *MemoryStore) SaveSession(ctx context.Context, s *Session) error {
	if !s.ExpiresAt.After(m.now()) {
		return errors.New("session has already expired")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	m.sessions[s.DeviceCode] = newRecord(s)
	return nil
}

// GetSession returns a live session or nil
func (m *MemoryStore) GetSession(ctx context.Context, deviceCode string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live(deviceCode)
	if !ok {
		return nil, nil
	}
	return rec.session(m.now()), nil
}

// ClaimSession marks a live session as being polled
func (m *MemoryStore) ClaimSession(ctx context.Context, deviceCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(deviceCode); !ok {
		return ErrSessionNotFound
	}
	if m.claimed[deviceCode] {
		return ErrSessionClaimed
	}
	m.claimed[deviceCode] = true
	return nil
}

// DeleteSession removes a session
func (m *MemoryStore) DeleteSession(ctx context.Context, deviceCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, deviceCode)
	delete(m.claimed, deviceCode)
	return nil
}

// CheckHealth always succeeds for the in-memory store
func (m *MemoryStore) CheckHealth(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) live(deviceCode string) (sessionRecord, bool) {
	rec, ok := m.sessions[deviceCode]
	if !ok {
		return sessionRecord{}, false
	}
	if !rec.ExpiresAt.After(m.now()) {
		delete(m.sessions, deviceCode)
		delete(m.claimed, deviceCode)
		return sessionRecord{}, false
	}
	return rec, true
}

// sweep drops expired sessions; callers hold mu
func (m *MemoryStore) sweep() {
	now := m.now()
	for code, rec := range m.sessions {
		if !rec.ExpiresAt.After(now) {
			delete(m.sessions, code)
			delete(m.claimed, code)
		}
	}
}
