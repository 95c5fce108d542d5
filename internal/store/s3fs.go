package store

import (
	"context"
	"strings"

	"github.com/utooland/opfs/internal/storage/s3"
	"github.com/utooland/opfs/pkg/errors"
)

// s3Object is the subset of *s3.Backend this adapter depends on, so tests
// can substitute a fake.
type s3Object interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte) error
	DeleteObject(ctx context.Context, key string) error
	HeadObject(ctx context.Context, key string) (*s3.ObjectInfo, error)
	ListObjects(ctx context.Context, prefix string, limit int) ([]s3.ObjectInfo, error)
}

// S3FS adapts an S3 object store to FS. S3 has no real directories: keys are
// opaque strings and "directories" are synthesized from common prefixes
// ending in "/", the same technique registry-fs uses for remote listings.
type S3FS struct {
	backend s3Object
}

// NewS3FS wraps an S3 backend as an FS.
func NewS3FS(backend *s3.Backend) *S3FS {
	return &S3FS{backend: backend}
}

func key(path string) string {
	return strings.TrimPrefix(path, "/")
}

func (s *S3FS) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := s.backend.GetObject(ctx, key(path))
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNotFound, path).WithComponent("store").WithOperation("Read").WithCause(err)
	}
	return data, nil
}

func (s *S3FS) Write(ctx context.Context, path string, data []byte) error {
	if err := s.backend.PutObject(ctx, key(path), data); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("Write").WithCause(err)
	}
	return nil
}

func (s *S3FS) ReadDir(ctx context.Context, dir string) ([]DirEntry, error) {
	prefix := key(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	objects, err := s.backend.ListObjects(ctx, prefix, 0)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageFailure, dir).WithComponent("store").WithOperation("ReadDir").WithCause(err)
	}

	seen := make(map[string]EntryType)
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, prefix)
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			seen[rest[:idx]] = EntryDirectory
		} else if _, exists := seen[rest]; !exists {
			seen[rest] = EntryFile
		}
	}

	entries := make([]DirEntry, 0, len(seen))
	for name, typ := range seen {
		entries = append(entries, DirEntry{Path: prefix + name, Name: name, Type: typ})
	}
	return entries, nil
}

func (s *S3FS) Metadata(ctx context.Context, path string) (Metadata, error) {
	info, err := s.backend.HeadObject(ctx, key(path))
	if err != nil {
		entries, dirErr := s.ReadDir(ctx, path)
		if dirErr == nil && len(entries) > 0 {
			return Metadata{IsDir: true}, nil
		}
		return Metadata{}, errors.NewError(errors.ErrCodeNotFound, path).WithComponent("store").WithCause(err)
	}
	return Metadata{IsFile: true, Len: info.Size}, nil
}

// CreateDir and CreateDirAll are no-ops: S3 has no real directories, only
// keys that happen to contain "/".
func (s *S3FS) CreateDir(_ context.Context, _ string) error    { return nil }
func (s *S3FS) CreateDirAll(_ context.Context, _ string) error { return nil }

func (s *S3FS) RemoveFile(ctx context.Context, path string) error {
	if err := s.backend.DeleteObject(ctx, key(path)); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("RemoveFile").WithCause(err)
	}
	return nil
}

func (s *S3FS) RemoveDir(ctx context.Context, path string) error {
	return s.RemoveDirAll(ctx, path)
}

func (s *S3FS) RemoveDirAll(ctx context.Context, dir string) error {
	prefix := key(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	objects, err := s.backend.ListObjects(ctx, prefix, 0)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, dir).WithComponent("store").WithOperation("RemoveDirAll").WithCause(err)
	}
	for _, obj := range objects {
		if err := s.backend.DeleteObject(ctx, obj.Key); err != nil {
			return errors.NewError(errors.ErrCodeStorageFailure, obj.Key).WithComponent("store").WithOperation("RemoveDirAll").WithCause(err)
		}
	}
	return nil
}

func (s *S3FS) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Read(ctx, src)
	if err != nil {
		return err
	}
	return s.Write(ctx, dst, data)
}

// Canonicalize is the identity on S3: keys have no symlinks or relative
// components to resolve.
func (s *S3FS) Canonicalize(path string) (string, error) {
	return path, nil
}
