package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	fs := OSFileSystem{}

	require.NoError(t, AtomicWrite(fs, path, []byte("v1")))
	require.NoError(t, AtomicWrite(fs, path, []byte("v2")))
	data, err := fs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.False(t, fs.Exists(TempPath(path)))

	size, err := fs.Size(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), size)
}

func TestAppendAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")
	fs := OSFileSystem{}
	require.NoError(t, fs.AppendFile(path, []byte("a")))
	require.NoError(t, fs.AppendFile(path, []byte("b")))
	require.NoError(t, fs.Fsync(path))
	data, err := fs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))

	require.NoError(t, fs.Remove(path))
	require.NoError(t, fs.Remove(path))
	assert.False(t, fs.Exists(path))
	assert.False(t, FileExists(path))
	assert.False(t, FileExists(dir))

	_, err = fs.ReadFile(path)
	assert.Error(t, err)
}
