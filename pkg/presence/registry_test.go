package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginLookup(t *testing.T) {
	r := NewRegistry()

	replaced, ok := r.Login("alice", "s1")
	assert.False(t, ok)
	assert.Empty(t, replaced)

	id, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "s1", id)

	_, ok = r.Lookup("bob")
	assert.False(t, ok)
}

func TestLoginOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Login("alice", "s1")

	replaced, ok := r.Login("alice", "s2")
	assert.True(t, ok)
	assert.Equal(t, "s1", replaced)
	assert.Equal(t, 1, r.Len())

	id, _ := r.Lookup("alice")
	assert.Equal(t, "s2", id)

	// The old session disconnecting must not remove the new binding
	assert.Empty(t, r.Logout("s1"))
	id, ok = r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "s2", id)
}

func TestLoginSameSessionTwice(t *testing.T) {
	r := NewRegistry()
	r.Login("alice", "s1")

	replaced, ok := r.Login("alice", "s1")
	assert.False(t, ok)
	assert.Empty(t, replaced)
}

func TestLogoutByValue(t *testing.T) {
	r := NewRegistry()
	r.Login("alice", "s1")
	r.Login("alias", "s1")
	r.Login("bob", "s2")

	removed := r.Logout("s1")
	assert.Equal(t, []string{"alias", "alice"}, removed)
	assert.Equal(t, []string{"bob"}, r.Usernames())

	assert.Empty(t, r.Logout("unknown"))
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := NewRegistry()
	r.Login("carol", "s3")
	r.Login("alice", "s1")
	r.Login("bob", "s2")

	names := r.Usernames()
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
	names[0] = "mallory"
	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Usernames())

	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, r.IDs())
}

func TestConcurrentLoginLogout(t *testing.T) {
	const n = 64
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Login(fmt.Sprintf("user%d", i), fmt.Sprintf("sess%d", i))
			_ = r.Usernames()
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Usernames(), n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			removed := r.Logout(fmt.Sprintf("sess%d", i))
			assert.Equal(t, []string{fmt.Sprintf("user%d", i)}, removed)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Usernames())
}
