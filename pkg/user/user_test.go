package user

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroups(t *testing.T) {
	u := &User{ID: "alice", Groups: []string{"admins", "ops"}}

	assert.True(t, u.InGroup("ops"))
	assert.False(t, u.InGroup("finance"))

	t.Run("empty list matches everyone", func(t *testing.T) {
		assert.True(t, u.InAnyGroup(nil))
		assert.True(t, (&User{ID: "bob"}).InAnyGroup(nil))
	})

	t.Run("intersection", func(t *testing.T) {
		assert.True(t, u.InAnyGroup([]string{"finance", "admins"}))
		assert.False(t, u.InAnyGroup([]string{"finance"}))
	})

	t.Run("permissions", func(t *testing.T) {
		p := &User{ID: "alice", Permissions: []string{"export"}}
		assert.True(t, p.HasPermission("export"))
		assert.False(t, p.HasPermission("delete"))
	})
}

func TestNewRequestContext(t *testing.T) {
	rc := NewRequestContext()

	assert.NotEmpty(t, rc.RequestID)
	assert.NotNil(t, rc.Cookies)
	assert.NotNil(t, rc.Headers)
	assert.NotNil(t, rc.Metadata)
	assert.NotEqual(t, rc.RequestID, NewRequestContext().RequestID)
}

func TestStaticResolver(t *testing.T) {
	t.Run("requires an id", func(t *testing.T) {
		_, err := NewStaticResolver(User{})
		assert.Error(t, err)
	})

	t.Run("always resolves the pinned user", func(t *testing.T) {
		r, err := NewStaticResolver(User{ID: "operator", Groups: []string{"admins"}})
		require.NoError(t, err)

		u, err := r.ResolveUser(context.Background(), NewRequestContext())
		require.NoError(t, err)
		assert.Equal(t, "operator", u.ID)
		assert.Equal(t, []string{"admins"}, u.Groups)
	})
}

func TestCookieResolver(t *testing.T) {
	r, err := NewCookieResolver(CookieResolverConfig{
		CookieName:  "steward_user",
		AnonymousID: "guest",
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	t.Run("requires a cookie name", func(t *testing.T) {
		_, err := NewCookieResolver(CookieResolverConfig{})
		assert.Error(t, err)
	})

	t.Run("missing cookie falls back to anonymous", func(t *testing.T) {
		u, err := r.ResolveUser(context.Background(), NewRequestContext())
		require.NoError(t, err)
		assert.Equal(t, "guest", u.ID)
	})

	t.Run("cookie value becomes the user id", func(t *testing.T) {
		rc := NewRequestContext()
		rc.Cookies["steward_user"] = "alice"

		u, err := r.ResolveUser(context.Background(), rc)
		require.NoError(t, err)
		assert.Equal(t, "alice", u.ID)
		assert.Empty(t, u.Groups)
	})

	t.Run("groups parsed from header", func(t *testing.T) {
		rc := NewRequestContext()
		rc.Cookies["steward_user"] = "alice"
		rc.Headers["x-user-groups"] = "admins, ops,,"

		u, err := r.ResolveUser(context.Background(), rc)
		require.NoError(t, err)
		assert.Equal(t, []string{"admins", "ops"}, u.Groups)
	})
}
