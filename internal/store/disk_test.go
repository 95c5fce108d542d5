package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiskFS(t *testing.T) *DiskFS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewDiskFS(dir)
	require.NoError(t, err)
	return fs
}

func TestDiskFSWriteThenRead(t *testing.T) {
	fs := newTestDiskFS(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "/stores/p/-/p.tgz", []byte("archive bytes")))

	data, err := fs.Read(ctx, "/stores/p/-/p.tgz")
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(data))
}

func TestDiskFSReadMissingIsNotFound(t *testing.T) {
	fs := newTestDiskFS(t)
	_, err := fs.Read(context.Background(), "/nope")
	assert.Error(t, err)
}

func TestDiskFSReadDirSortsAndTypes(t *testing.T) {
	fs := newTestDiskFS(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "/pkg/b.txt", []byte("b")))
	require.NoError(t, fs.Write(ctx, "/pkg/a.txt", []byte("a")))
	require.NoError(t, fs.CreateDirAll(ctx, "/pkg/sub"))

	entries, err := fs.ReadDir(ctx, "/pkg")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, EntryFile, entries[0].Type)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.Equal(t, "sub", entries[2].Name)
	assert.Equal(t, EntryDirectory, entries[2].Type)
}

func TestDiskFSMetadataDistinguishesFileAndDir(t *testing.T) {
	fs := newTestDiskFS(t)
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/a/file.txt", []byte("x")))

	fileMeta, err := fs.Metadata(ctx, "/a/file.txt")
	require.NoError(t, err)
	assert.True(t, fileMeta.IsFile)
	assert.False(t, fileMeta.IsDir)
	assert.Equal(t, int64(1), fileMeta.Len)

	dirMeta, err := fs.Metadata(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, dirMeta.IsDir)
}

func TestDiskFSRemoveDirAll(t *testing.T) {
	fs := newTestDiskFS(t)
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/tree/a.txt", []byte("a")))
	require.NoError(t, fs.Write(ctx, "/tree/sub/b.txt", []byte("b")))

	require.NoError(t, fs.RemoveDirAll(ctx, "/tree"))

	_, err := os.Stat(filepath.Join(fs.RootDir, "tree"))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskFSCopy(t *testing.T) {
	fs := newTestDiskFS(t)
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/src.txt", []byte("payload")))

	require.NoError(t, fs.Copy(ctx, "/src.txt", "/nested/dst.txt"))

	data, err := fs.Read(ctx, "/nested/dst.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDiskFSCanonicalizeResolvesUnderRoot(t *testing.T) {
	fs := newTestDiskFS(t)
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/a.txt", []byte("x")))

	resolved, err := fs.Canonicalize("/a.txt")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(resolved))
}
