// Package store implements the byte-addressable storage collaborator the
// overlay's core subsystems (tar cache, fuse-link, extraction, installer)
// read and write through. Two backends exist: a local-disk FS rooted at a
// configured directory, and an optional S3-backed FS for hosts that want
// their content store in a bucket rather than on disk.
package store

import (
	"context"
	"path"
	"strings"
)

// EntryType classifies a directory entry.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDirectory
	EntryOther
)

// DirEntry is one child of a directory listing.
type DirEntry struct {
	Path string
	Name string
	Type EntryType
}

// Metadata describes what's at a path.
type Metadata struct {
	IsFile bool
	IsDir  bool
	Len    int64
}

// FS is the storage collaborator's required capability set:
// read/write, directory enumeration, metadata, directory and file removal,
// copy, and path canonicalization. Implementations are the local disk
// (internal/store's default) or S3 (internal/storage/s3, adapted).
type FS interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	ReadDir(ctx context.Context, dir string) ([]DirEntry, error)
	Metadata(ctx context.Context, path string) (Metadata, error)
	CreateDir(ctx context.Context, path string) error
	CreateDirAll(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
	RemoveDir(ctx context.Context, path string) error
	RemoveDirAll(ctx context.Context, path string) error
	Copy(ctx context.Context, src, dst string) error
	Canonicalize(path string) (string, error)
}

// PackagePaths are the three well-known locations for one (name, tgz_url)
// archive identity.
type PackagePaths struct {
	Archive string // /stores/<name>/-/<file>
	Unpack  string // /stores/<name>/-/<file>-unpack
	Marker  string // /stores/<name>/-/<file>-unpack._resolved
}

// NewPackagePaths computes the store paths for a package identity. file is
// the last path segment of tgzURL, falling back to "package.tgz" if the URL
// has no segments (e.g. is empty or ends in "/").
func NewPackagePaths(name, tgzURL string) PackagePaths {
	file := lastSegment(tgzURL)
	if file == "" {
		file = "package.tgz"
	}
	base := path.Join("/stores", name, "-", file)
	return PackagePaths{
		Archive: base,
		Unpack:  base + "-unpack",
		Marker:  base + "-unpack._resolved",
	}
}

func lastSegment(url string) string {
	url = strings.TrimRight(url, "/")
	if url == "" {
		return ""
	}
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		return url[idx+1:]
	}
	return url
}
