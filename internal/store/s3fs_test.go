package store

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utooland/opfs/internal/storage/s3"
)

// fakeS3Object is an in-memory stand-in for *s3.Backend.
type fakeS3Object struct {
	objects map[string][]byte
}

func newFakeS3Object() *fakeS3Object {
	return &fakeS3Object{objects: make(map[string][]byte)}
}

func (f *fakeS3Object) GetObject(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, assertErr{"not found: " + key}
	}
	return data, nil
}

func (f *fakeS3Object) PutObject(_ context.Context, key string, data []byte) error {
	f.objects[key] = data
	return nil
}

func (f *fakeS3Object) DeleteObject(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeS3Object) HeadObject(_ context.Context, key string) (*s3.ObjectInfo, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, assertErr{"not found: " + key}
	}
	return &s3.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeS3Object) ListObjects(_ context.Context, prefix string, _ int) ([]s3.ObjectInfo, error) {
	var out []s3.ObjectInfo
	for k, v := range f.objects {
		if len(prefix) == 0 || (len(k) >= len(prefix) && k[:len(prefix)] == prefix) {
			out = append(out, s3.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func newTestS3FS() (*S3FS, *fakeS3Object) {
	fake := newFakeS3Object()
	return &S3FS{backend: fake}, fake
}

func TestS3FSWriteThenRead(t *testing.T) {
	fs, _ := newTestS3FS()
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "/stores/p/-/p.tgz", []byte("bytes")))
	data, err := fs.Read(ctx, "/stores/p/-/p.tgz")
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(data))
}

func TestS3FSReadDirSynthesizesFromKeys(t *testing.T) {
	fs, _ := newTestS3FS()
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "/pkg/a.txt", []byte("a")))
	require.NoError(t, fs.Write(ctx, "/pkg/sub/b.txt", []byte("b")))

	entries, err := fs.ReadDir(ctx, "/pkg")
	require.NoError(t, err)

	names := map[string]EntryType{}
	for _, e := range entries {
		names[e.Name] = e.Type
	}
	assert.Equal(t, EntryFile, names["a.txt"])
	assert.Equal(t, EntryDirectory, names["sub"])
}

func TestS3FSCreateDirIsNoOp(t *testing.T) {
	fs, _ := newTestS3FS()
	assert.NoError(t, fs.CreateDir(context.Background(), "/anything"))
	assert.NoError(t, fs.CreateDirAll(context.Background(), "/anything/nested"))
}

func TestS3FSRemoveDirAllDeletesAllKeysUnderPrefix(t *testing.T) {
	fs, fake := newTestS3FS()
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/tree/a.txt", []byte("a")))
	require.NoError(t, fs.Write(ctx, "/tree/sub/b.txt", []byte("b")))

	require.NoError(t, fs.RemoveDirAll(ctx, "/tree"))
	assert.Empty(t, fake.objects)
}

func TestS3FSCanonicalizeIsIdentity(t *testing.T) {
	fs, _ := newTestS3FS()
	resolved, err := fs.Canonicalize("/a/b")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", resolved)
}
