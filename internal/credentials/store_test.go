package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStoreSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	cred := Credential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ResourceURL:  "portal.qwen.ai",
		ExpiryDate:   int64Ptr(1700000000000),
	}

	require.NoError(t, s.Save(cred, ""))
	require.NoError(t, s.Save(cred, "work"))

	assert.FileExists(t, filepath.Join(s.Dir(), "oauth_creds.json"))
	assert.FileExists(t, filepath.Join(s.Dir(), "oauth_creds_work.json"))

	// a fresh store must read the same records from disk
	fresh, err := NewStore(s.Dir())
	require.NoError(t, err)

	got, ok, err := fresh.Load("")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, DefaultTokenType, got.TokenType)
	require.NotNil(t, got.ExpiryDate)
	assert.Equal(t, int64(1700000000000), *got.ExpiryDate)

	got, ok, err = fresh.Load("work")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refresh-1", got.RefreshToken)
}

func TestStoreLoadMissing(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Load("")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Load("nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreLoadReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Credential{AccessToken: "a", ExpiryDate: int64Ptr(10)}, "x"))

	got, _, err := s.Load("x")
	require.NoError(t, err)
	*got.ExpiryDate = 99

	again, _, err := s.Load("x")
	require.NoError(t, err)
	assert.Equal(t, int64(10), *again.ExpiryDate)
}

func TestStoreLoadAllReplacesCache(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Credential{AccessToken: "a"}, "alpha"))
	require.NoError(t, s.Save(Credential{AccessToken: "b"}, "beta"))
	require.NoError(t, s.Save(Credential{AccessToken: "d"}, ""))

	// remove one file behind the store's back and add another
	require.NoError(t, os.Remove(filepath.Join(s.Dir(), "oauth_creds_alpha.json")))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "oauth_creds_gamma.json"),
		[]byte(`{"access_token":"g","expiry_date":5}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "oauth_creds_broken.json"),
		[]byte(`{not json`), 0o600))

	all, err := s.LoadAll()
	require.NoError(t, err)

	assert.Len(t, all, 2)
	assert.Contains(t, all, "beta")
	assert.Contains(t, all, "gamma")
	assert.NotContains(t, all, "alpha")
	assert.Equal(t, []string{"beta", "gamma"}, s.IDs())

	// default slot is not a named account
	assert.NotContains(t, all, "")
}

func TestStoreRescanNeverHidesNewerSave(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Credential{AccessToken: "v0"}, "acct"))

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= rounds; i++ {
			assert.NoError(t, s.Save(Credential{AccessToken: fmt.Sprintf("v%d", i)}, "acct"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := s.LoadAll()
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	want := fmt.Sprintf("v%d", rounds)
	got, ok, err := s.Load("acct")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got.AccessToken)

	onDisk, err := readCredential(filepath.Join(s.Dir(), "oauth_creds_acct.json"))
	require.NoError(t, err)
	assert.Equal(t, want, onDisk.AccessToken)
}

func TestStoreSaveFailureKeepsCache(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Credential{AccessToken: "old"}, "acct"))

	// make the target path a directory so the rename fails
	target := filepath.Join(s.Dir(), "oauth_creds_acct.json")
	require.NoError(t, os.Remove(target))
	require.NoError(t, os.Mkdir(target, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep"), []byte("x"), 0o600))

	err := s.Save(Credential{AccessToken: "new"}, "acct")
	require.Error(t, err)

	got, ok, err := s.Load("acct")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", got.AccessToken)
}

func TestStoreRemove(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Credential{AccessToken: "a"}, "alpha"))

	require.NoError(t, s.Remove("alpha"))
	assert.NoFileExists(t, filepath.Join(s.Dir(), "oauth_creds_alpha.json"))
	assert.Empty(t, s.IDs())

	err := s.Remove("alpha")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestValidateAccountID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "work", false},
		{"with dash", "team-2", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"reserved", "default", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"traversal", "..", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAccountID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAccountID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveRejectsInvalidID(t *testing.T) {
	s := newTestStore(t)
	err := s.Save(Credential{AccessToken: "a"}, "../escape")
	assert.ErrorIs(t, err, ErrInvalidAccountID)
}

func TestCredentialExpiry(t *testing.T) {
	now := time.UnixMilli(1_000_000)

	c := Credential{ExpiryDate: ExpiryFromNow(now, 3600)}
	exp, ok := c.Expiry()
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000+3_600_000), exp.UnixMilli())

	_, ok = Credential{}.Expiry()
	assert.False(t, ok)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "default", Label(""))
	assert.Equal(t, "work", Label("work"))
}
