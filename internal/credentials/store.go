package credentials

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	log "github.com/sirupsen/logrus"
)

const (
	defaultFileName = "oauth_creds.json"
	accountPrefix   = "oauth_creds_"
	fileSuffix      = ".json"
)

// Store is a file-backed credential store with an in-memory cache.
// The default slot lives in oauth_creds.json and each named account in oauth_creds_<id>.json.
type Store struct {
	dir    string
	logger log.FieldLogger

	mu       sync.RWMutex
	def      *Credential
	accounts map[string]Credential
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithLogger sets the logger used for skipped or unreadable files
func WithLogger(l log.FieldLogger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a store rooted at dir, creating the directory if needed
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	s := &Store{
		dir:      dir,
		logger:   log.StandardLogger(),
		accounts: make(map[string]Credential),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the state directory
func (s *Store) Dir() string {
	return s.dir
}

// ValidateAccountID reports whether id can name a credential file
func ValidateAccountID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: empty", ErrInvalidAccountID)
	case id == DefaultAccountID:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidAccountID, id)
	case strings.ContainsAny(id, `/\`) || strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
	}
	return nil
}

func (s *Store) path(accountID string) string {
	if accountID == "" {
		return filepath.Join(s.dir, defaultFileName)
	}
	return filepath.Join(s.dir, accountPrefix+accountID+fileSuffix)
}

// Load returns the credential for accountID ("" for the default slot).
// It reads from disk when the account is not cached; a missing record returns false.
func (s *Store) Load(accountID string) (Credential, bool, error) {
	if c, ok := s.cached(accountID); ok {
		return c, true, nil
	}

	if accountID != "" {
		if err := ValidateAccountID(accountID); err != nil {
			return Credential{}, false, err
		}
	}

	// disk reads that fill the cache hold the write lock so a concurrent Save
	// is never overwritten by an older record
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cachedLocked(accountID); ok {
		return c, true, nil
	}

	cred, err := readCredential(s.path(accountID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Credential{}, false, nil
		}
		return Credential{}, false, err
	}

	if accountID == "" {
		c := cred.clone()
		s.def = &c
	} else {
		s.accounts[accountID] = cred.clone()
	}
	return cred, true, nil
}

func (s *Store) cached(accountID string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cachedLocked(accountID)
}

func (s *Store) cachedLocked(accountID string) (Credential, bool) {
	if accountID == "" {
		if s.def == nil {
			return Credential{}, false
		}
		return s.def.clone(), true
	}
	c, ok := s.accounts[accountID]
	if !ok {
		return Credential{}, false
	}
	return c.clone(), true
}

// LoadAll reads every named-account record and replaces the cache with the result
func (s *Store) LoadAll() (map[string]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading state directory: %w", err)
	}

	loaded := make(map[string]Credential)
	for _, entry := range entries {
		id, ok := accountIDFromFile(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		cred, err := readCredential(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.WithField("file", entry.Name()).Warnf("skipping credential file: %v", err)
			continue
		}
		loaded[id] = cred
	}
	s.accounts = loaded

	out := make(map[string]Credential, len(loaded))
	for id, c := range loaded {
		out[id] = c.clone()
	}
	return out, nil
}

// IDs returns the cached named-account ids in sorted order
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save persists cred for accountID ("" for the default slot) and then updates the cache.
// The cache is left untouched when the write fails.
func (s *Store) Save(cred Credential, accountID string) error {
	if accountID != "" {
		if err := ValidateAccountID(accountID); err != nil {
			return err
		}
	}
	if cred.TokenType == "" {
		cred.TokenType = DefaultTokenType
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := atomic.WriteFile(s.path(accountID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing credential for %s: %w", Label(accountID), err)
	}

	if accountID == "" {
		c := cred.clone()
		s.def = &c
	} else {
		s.accounts[accountID] = cred.clone()
	}
	return nil
}

// Remove deletes a named account's record from disk and cache
func (s *Store) Remove(accountID string) error {
	if err := ValidateAccountID(accountID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, cached := s.accounts[accountID]
	err := os.Remove(s.path(accountID))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !cached {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
	case err != nil:
		return fmt.Errorf("removing credential for %s: %w", accountID, err)
	}

	delete(s.accounts, accountID)
	return nil
}

func accountIDFromFile(name string) (string, bool) {
	if !strings.HasPrefix(name, accountPrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, accountPrefix), fileSuffix)
	if ValidateAccountID(id) != nil {
		return "", false
	}
	return id, true
}

func readCredential(path string) (Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, err
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if cred.TokenType == "" {
		cred.TokenType = DefaultTokenType
	}
	return cred, nil
}
