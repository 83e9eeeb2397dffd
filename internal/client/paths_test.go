package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func assertValidationError(t *testing.T, err error, arg, cause string) {
	t.Helper()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	if arg != "" {
		assert.Equal(t, arg, verr.Arg)
	}
	if cause != "" {
		assert.Equal(t, cause, verr.Cause)
	}
}

func TestParseSources(t *testing.T) {
	t.Run("empty args returns error", func(t *testing.T) {
		result, err := ParseSources(nil)
		assert.Nil(t, result)
		assertValidationError(t, err, "<paths>", "no files provided")
	})

	t.Run("file and directory", func(t *testing.T) {
		dir := setupTestFiles(t, map[string]string{"a.txt": "a", "docs/b.txt": "b"})

		result, err := ParseSources([]string{
			filepath.Join(dir, "a.txt"),
			filepath.Join(dir, "docs") + string(filepath.Separator),
		})
		require.NoError(t, err)
		require.Len(t, result, 2)
		assert.Equal(t, Source{Path: filepath.Join(dir, "a.txt"), Kind: SourceFile}, result[0])
		assert.Equal(t, Source{Path: filepath.Join(dir, "docs"), Kind: SourceDir}, result[1])
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		dir := setupTestFiles(t, map[string]string{"a.txt": "a"})
		p := filepath.Join(dir, "a.txt")

		result, err := ParseSources([]string{p, filepath.Join(dir, ".", "a.txt")})
		require.NoError(t, err)
		assert.Len(t, result, 1)
	})

	t.Run("missing path", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "nope.txt")
		_, err := ParseSources([]string{missing})
		assertValidationError(t, err, missing, "not found or not accessible")
	})
}
