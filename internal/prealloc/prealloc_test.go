package prealloc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestPreallocateCreatesAndExtends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.bin")
	alloc := New()

	require.NoError(t, alloc.Preallocate(path, 4096))
	assert.Equal(t, int64(4096), fileSize(t, path))

	require.NoError(t, alloc.Preallocate(path, 8192))
	assert.Equal(t, int64(8192), fileSize(t, path))
}

func TestPreallocateKeepsExistingPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	require.NoError(t, New().Preallocate(path, 10))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 10)
	assert.Equal(t, "hello", string(data[:5]))
}

func TestPreallocateTruncatesLargerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	require.NoError(t, New().Preallocate(path, 4))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(data))
}

func TestDisabledLeavesFileAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.bin")
	require.NoError(t, Disabled().Preallocate(path, 4096))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
