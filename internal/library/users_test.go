package library

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserStoreHashesPlaintextPasswords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[users]]
username = "alice"
password = "secret"

[[users]]
username = "bob"
password = "hunter2"
`), 0600))

	us, err := NewUserStore(path)
	require.NoError(t, err)
	assert.True(t, us.Authenticate("alice", "secret"))
	assert.False(t, us.Authenticate("alice", "hunter2"))
	assert.False(t, us.Authenticate("carol", "secret"))
	assert.Equal(t, []string{"alice", "bob"}, us.Usernames())

	var saved usersFile
	_, err = toml.DecodeFile(path, &saved)
	require.NoError(t, err)
	require.Len(t, saved.Users, 2)
	for _, u := range saved.Users {
		assert.True(t, isHashedPassword(u.Password), "password for %s is hashed on disk", u.Username)
	}

	reloaded, err := NewUserStore(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Authenticate("bob", "hunter2"))
}

func TestUserStoreCreatesDefaultAdmin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "users.toml")
	var notice bytes.Buffer

	us, err := newUserStore(path, &notice)
	require.NoError(t, err)

	m := regexp.MustCompile(`Password: ([0-9a-f]{12})`).FindStringSubmatch(notice.String())
	require.Len(t, m, 2, notice.String())
	assert.True(t, us.Authenticate("admin", m[1]))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestUserStoreAddUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.toml")
	us, err := newUserStore(path, &bytes.Buffer{})
	require.NoError(t, err)

	require.NoError(t, us.AddUser("carol", "pw"))
	assert.True(t, us.Authenticate("carol", "pw"))
	assert.ErrorContains(t, us.AddUser("carol", "other"), "already exists")
	assert.Error(t, us.AddUser("", "pw"))

	reloaded, err := NewUserStore(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "carol"}, reloaded.Usernames())
}

func TestUserStoreRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[users]\n"), 0600))
	_, err := NewUserStore(path)
	assert.ErrorContains(t, err, "failed to parse users file")
}

func TestIsHashedPassword(t *testing.T) {
	assert.True(t, isHashedPassword("$2a$10$abcdefghijklmnopqrstuv"))
	assert.True(t, isHashedPassword("$2y$12$x"))
	assert.False(t, isHashedPassword("plaintext"))
	assert.False(t, isHashedPassword("$1$abc"))
}
