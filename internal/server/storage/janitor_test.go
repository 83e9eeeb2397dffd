package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillchat/internal/server/database"
)

func seedShare(t *testing.T, repo *database.Memory, store *FileSystemStore, id, code string, created time.Time) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Save(ctx, id, strings.NewReader("PK"), 2, "application/zip")
	require.NoError(t, err)
	require.NoError(t, repo.CreateShare(ctx, &database.FileShare{
		ID:           id,
		ShareCode:    code,
		UploaderID:   "u1",
		FileName:     "bundle.zip",
		OriginalName: "bundle.zip",
		FileSize:     2,
		ObjectKey:    id,
		MimeType:     "application/zip",
		CreatedAt:    created,
		ExpiresAt:    created.Add(5 * time.Minute),
		MaxDownloads: 1,
		IsActive:     true,
	}))
}

func TestJanitor_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	store := NewFileSystemStore(dir)
	repo := database.NewMemory()

	seedShare(t, repo, store, "fresh", "FRESH1", now.Add(-time.Minute))
	seedShare(t, repo, store, "recent", "RECNT1", now.Add(-10*time.Minute))
	seedShare(t, repo, store, "old", "OLD001", now.Add(-48*time.Hour))

	j := NewJanitor(repo, store, 24*time.Hour, zerolog.Nop())
	j.now = func() time.Time { return now }

	res := j.Sweep(ctx)
	assert.Equal(t, int64(2), res.Deactivated, "recent and old are past expiry")
	assert.Equal(t, 1, res.Purged)
	assert.Zero(t, res.Failed)

	fresh, err := repo.ShareByCode(ctx, "FRESH1")
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)

	recent, err := repo.ShareByCode(ctx, "RECNT1")
	require.NoError(t, err)
	assert.False(t, recent.IsActive)

	_, err = repo.ShareByCode(ctx, "OLD001")
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = os.Stat(filepath.Join(dir, "old.zip"))
	assert.True(t, os.IsNotExist(err))

	res = j.Sweep(ctx)
	assert.Equal(t, SweepResult{}, res, "second sweep has nothing to do")
}

func TestJanitor_StartRejectsBadSchedule(t *testing.T) {
	j := NewJanitor(database.NewMemory(), NewFileSystemStore(t.TempDir()), time.Hour, zerolog.Nop())
	assert.Error(t, j.Start(context.Background(), "not a schedule"))
}

func TestJanitor_StartAndStop(t *testing.T) {
	j := NewJanitor(database.NewMemory(), NewFileSystemStore(t.TempDir()), time.Hour, zerolog.Nop())
	require.NoError(t, j.Start(context.Background(), "@every 1h"))
	j.Stop()
}
