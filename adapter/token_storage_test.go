package marketplace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storageBackends(t *testing.T) map[string]TokenStorage {
	t.Helper()

	file, err := NewFileTokenStorage(t.TempDir())
	require.NoError(t, err)

	sqlite, err := NewSQLiteTokenStorage(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]TokenStorage{
		"file":   file,
		"sqlite": sqlite,
		"memory": NewMemoryTokenStorage(),
	}
}

func TestTokenStorage_Backends(t *testing.T) {
	for name, storage := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := storage.Get(accessTokenKey)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, storage.Set(accessTokenKey, "a1"))
			require.NoError(t, storage.Set(refreshTokenKey, "r1"))
			require.NoError(t, storage.Set(accessTokenKey, "a2"))

			v, ok, err := storage.Get(accessTokenKey)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "a2", v)

			require.NoError(t, storage.Delete(accessTokenKey, "missing"))
			_, ok, err = storage.Get(accessTokenKey)
			require.NoError(t, err)
			assert.False(t, ok)

			v, _, err = storage.Get(refreshTokenKey)
			require.NoError(t, err)
			assert.Equal(t, "r1", v)

			require.NoError(t, storage.Delete(refreshTokenKey))
			_, ok, err = storage.Get(refreshTokenKey)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileTokenStorage_OwnerOnlyPermissions(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileTokenStorage(dir)
	require.NoError(t, err)
	require.NoError(t, storage.Set(accessTokenKey, "a1"))

	info, err := os.Stat(filepath.Join(dir, defaultTokenFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileTokenStorage_ReplacesFileWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileTokenStorage(dir)
	require.NoError(t, err)

	for _, v := range []string{"a1", "a2", "a3"} {
		require.NoError(t, storage.Set(accessTokenKey, v))
	}
	require.NoError(t, storage.Set(refreshTokenKey, "r1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, defaultTokenFile, entries[0].Name())

	reopened, err := NewFileTokenStorage(dir)
	require.NoError(t, err)
	v, ok, err := reopened.Get(accessTokenKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a3", v)

	info, err := os.Stat(filepath.Join(dir, defaultTokenFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileTokenStorage_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultTokenFile), []byte("{not json"), 0600))

	storage, err := NewFileTokenStorage(dir)
	require.NoError(t, err)
	_, _, err = storage.Get(accessTokenKey)
	assert.Error(t, err)
}

func TestFileTokenStorage_EnvFallback(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	t.Setenv("TOKEN_STORAGE_PATH", dir)

	storage, err := NewFileTokenStorage("")
	require.NoError(t, err)
	require.NoError(t, storage.Set(accessTokenKey, "a1"))

	_, err = os.Stat(filepath.Join(dir, defaultTokenFile))
	assert.NoError(t, err)
}

func TestSQLiteTokenStorage_EmptyDSN(t *testing.T) {
	_, err := NewSQLiteTokenStorage("  ")
	assert.Error(t, err)
}

func TestSQLiteTokenStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	first, err := NewSQLiteTokenStorage(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(refreshTokenKey, "r1"))
	require.NoError(t, first.Close())

	second, err := NewSQLiteTokenStorage(path)
	require.NoError(t, err)
	defer second.Close()

	v, ok, err := second.Get(refreshTokenKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r1", v)
}
