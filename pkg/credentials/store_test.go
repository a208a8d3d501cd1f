package credentials

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storesUnderTest(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newTestSQLite(t),
	}
}

func TestCheckPolicy(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"valid", "alice", "pw1", nil},
		{"minimum password", "bob", "abc", nil},
		{"empty username", "", "secret", ErrInvalidUsername},
		{"short password", "alice", "pw", ErrPasswordTooShort},
		{"empty password", "alice", "", ErrPasswordTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantErr, CheckPolicy(tt.username, tt.password))
		})
	}
}

func TestRegisterAndVerify(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Register("alice", "pw1"))

			ok, err := store.Verify("alice", "pw1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Verify("alice", "wrong")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = store.Verify("nobody", "pw1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRegisterPolicyErrors(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Register("alice", "pw1"))

			assert.ErrorIs(t, store.Register("alice", "other"), ErrUsernameExists)
			assert.ErrorIs(t, store.Register("", "secret"), ErrInvalidUsername)
			assert.ErrorIs(t, store.Register("bob", "pw"), ErrPasswordTooShort)

			// A failed duplicate must not overwrite the original password
			ok, err := store.Verify("alice", "pw1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Verify("bob", "pw")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRegisterExistingNameBeforePassword(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Register("alice", "pw1"))

			assert.ErrorIs(t, store.Register("alice", "pw"), ErrUsernameExists)
			assert.ErrorIs(t, store.Register("alice", ""), ErrUsernameExists)
			assert.ErrorIs(t, store.Register("", ""), ErrInvalidUsername)
		})
	}
}

func TestConcurrentRegisterSameName(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			const n = 16
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := store.Register("carol", fmt.Sprintf("pass%d", i))
					if err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
						return
					}
					assert.ErrorIs(t, err, ErrUsernameExists)
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, successes)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Register("alice", "pw1"))
	require.NoError(t, s.Register("bob", "pw2"))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Verify("alice", "pw1")
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.ErrorIs(t, s.Register("bob", "again"), ErrUsernameExists)
}

func TestOpenSQLiteBadPath(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "missing-dir", "creds.db"))
	assert.Error(t, err)
}
