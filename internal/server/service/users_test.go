package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillchat/internal/server/database"
	"chillchat/internal/server/presence"
)

func newUserService(t *testing.T) (*UserService, *database.Memory, *presence.Memory) {
	t.Helper()
	repo := database.NewMemory()
	reg := presence.NewMemory()
	svc := NewUserService(repo, reg, zerolog.Nop())
	svc.now = func() time.Time { return t0 }
	return svc, repo, reg
}

func TestEnsureProfile(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newUserService(t)

	u, err := svc.EnsureProfile(ctx, "alice", "  Alice  ")
	require.NoError(t, err)
	assert.Regexp(t, `^CHL\d{3}$`, u.UserCode)
	assert.Equal(t, "Alice", u.Name)
	assert.Equal(t, t0, u.CreatedAt)

	again, err := svc.EnsureProfile(ctx, "alice", "Someone Else")
	require.NoError(t, err)
	assert.Equal(t, u.UserCode, again.UserCode)
	assert.Equal(t, "Alice", again.Name)
}

func TestEnsureProfileDefaultsName(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newUserService(t)

	u, err := svc.EnsureProfile(ctx, "u-1", "")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.Name)

	long := strings.Repeat("x", 100)
	u, err = svc.EnsureProfile(ctx, "u-2", long)
	require.NoError(t, err)
	assert.Len(t, u.Name, maxNameLength)
}

func TestEnsureProfileRetriesTakenCodes(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newUserService(t)
	require.NoError(t, repo.CreateUser(ctx, &database.User{ID: "bob", UserCode: "CHL001"}))

	codes := []string{"CHL001", "CHL001", "CHL002"}
	svc.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	u, err := svc.EnsureProfile(ctx, "alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "CHL002", u.UserCode)
}

func TestEnsureProfileCodeSpaceExhausted(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newUserService(t)
	require.NoError(t, repo.CreateUser(ctx, &database.User{ID: "bob", UserCode: "CHL001"}))
	svc.newCode = func() (string, error) { return "CHL001", nil }

	_, err := svc.EnsureProfile(ctx, "alice", "Alice")
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestLookupUsesLivePresence(t *testing.T) {
	ctx := context.Background()
	svc, repo, reg := newUserService(t)
	require.NoError(t, repo.CreateUser(ctx, &database.User{ID: "bob", UserCode: "CHL123", Name: "Bob"}))

	// A stale snapshot must not leak through.
	require.NoError(t, repo.SetPresence(ctx, "bob", true, t0))

	pub, err := svc.Lookup(ctx, " chl123 ")
	require.NoError(t, err)
	assert.Equal(t, "bob", pub.ID)
	assert.False(t, pub.Online)

	_, err = reg.Add(ctx, "conn-1", "bob")
	require.NoError(t, err)
	pub, err = svc.Lookup(ctx, "CHL123")
	require.NoError(t, err)
	assert.True(t, pub.Online)

	_, err = svc.Lookup(ctx, "CHL999")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Lookup(ctx, "  ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFriendFlow(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newUserService(t)

	codes := []string{"CHL100", "CHL200", "CHL300"}
	svc.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := svc.EnsureProfile(ctx, id, id)
		require.NoError(t, err)
	}

	_, err := svc.SendFriendRequest(ctx, "alice", "CHL100")
	assert.ErrorIs(t, err, ErrValidation, "self request")

	target, err := svc.SendFriendRequest(ctx, "alice", "chl200")
	require.NoError(t, err)
	assert.Equal(t, "bob", target.ID)

	_, err = svc.SendFriendRequest(ctx, "alice", "CHL200")
	assert.ErrorIs(t, err, ErrConflict, "duplicate pending request")

	bob, err := svc.Profile(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bob.FriendRequests, 1)
	assert.Equal(t, "alice", bob.FriendRequests[0].FromID)

	require.NoError(t, svc.RespondFriendRequest(ctx, "bob", "alice", true))
	assert.ErrorIs(t, svc.RespondFriendRequest(ctx, "bob", "alice", true), ErrNotFound)

	friends, err := svc.Friends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].ID)

	_, err = svc.SendFriendRequest(ctx, "alice", "CHL200")
	assert.ErrorIs(t, err, ErrConflict, "already friends")

	_, err = svc.SendFriendRequest(ctx, "carol", "CHL100")
	require.NoError(t, err)
	require.NoError(t, svc.RespondFriendRequest(ctx, "alice", "carol", false))
	friends, err = svc.Friends(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, friends)
}

func TestGenerateUserCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := generateUserCode()
		require.NoError(t, err)
		require.Regexp(t, `^CHL\d{3}$`, code, fmt.Sprintf("iteration %d", i))
		seen[code] = true
	}
	assert.Greater(t, len(seen), 50)
}
