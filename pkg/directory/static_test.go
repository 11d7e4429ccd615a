package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_UserAndMembers(t *testing.T) {
	ctx := context.Background()
	dir := NewStatic(
		&User{ID: "u-2", CompanyID: "acme", Active: true, Roles: []string{"manager"}},
		&User{ID: "u-1", CompanyID: "acme", Active: true, Roles: []string{"manager", "admin"}},
		&User{ID: "u-3", CompanyID: "acme", Active: false, Roles: []string{"manager"}},
		&User{ID: "u-4", CompanyID: "globex", Active: true, Roles: []string{"manager"}},
	)

	members, err := dir.ActiveMembers(ctx, "acme", "manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1", "u-2"}, members)

	members, err = dir.ActiveMembers(ctx, "acme", "accountant")
	require.NoError(t, err)
	assert.Empty(t, members)

	user, err := dir.User(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, user.HasRole("admin"))

	user.Roles[0] = "changed"
	again, err := dir.User(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "manager", again.Roles[0])

	_, err = dir.User(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.json")
	content := `{"users": [
		{"id": "alice", "company_id": "acme", "active": true, "manager_id": "bob", "roles": ["buyer"]},
		{"id": "bob", "company_id": "acme", "active": true, "department_head_id": "carol", "roles": ["manager"]}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	dir, err := LoadStatic("file://" + path)
	require.NoError(t, err)

	alice, err := dir.User(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", alice.ManagerID)

	_, err = LoadStatic(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
