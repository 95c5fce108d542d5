package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/utooland/opfs/pkg/errors"
)

// DiskFS implements FS against a local directory tree. Virtual store paths
// (e.g. "/stores/is-number/-/is-number-7.0.0.tgz") are joined onto RootDir
// after stripping the leading slash; RootDir itself uses host path
// separators, unlike the virtual paths callers pass in.
type DiskFS struct {
	RootDir string
}

// NewDiskFS returns a DiskFS rooted at rootDir, creating it if absent.
func NewDiskFS(rootDir string) (*DiskFS, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageFailure, "create root directory").
			WithComponent("store").WithOperation("NewDiskFS").WithCause(err)
	}
	return &DiskFS{RootDir: rootDir}, nil
}

func (d *DiskFS) resolve(p string) string {
	return filepath.Join(d.RootDir, filepath.FromSlash(p))
}

func (d *DiskFS) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(d.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewError(errors.ErrCodeNotFound, path).WithComponent("store").WithCause(err)
		}
		return nil, errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithCause(err)
	}
	return data, nil
}

func (d *DiskFS) Write(_ context.Context, path string, data []byte) error {
	full := d.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("Write").WithCause(err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("Write").WithCause(err)
	}
	return nil
}

func (d *DiskFS) ReadDir(_ context.Context, dir string) ([]DirEntry, error) {
	entries, err := os.ReadDir(d.resolve(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewError(errors.ErrCodeNotFound, dir).WithComponent("store").WithCause(err)
		}
		return nil, errors.NewError(errors.ErrCodeStorageFailure, dir).WithComponent("store").WithCause(err)
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		typ := EntryFile
		if e.IsDir() {
			typ = EntryDirectory
		} else if e.Type()&os.ModeSymlink != 0 {
			typ = EntryOther
		}
		out = append(out, DirEntry{
			Path: filepath.ToSlash(filepath.Join(dir, e.Name())),
			Name: e.Name(),
			Type: typ,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *DiskFS) Metadata(_ context.Context, path string) (Metadata, error) {
	info, err := os.Stat(d.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, errors.NewError(errors.ErrCodeNotFound, path).WithComponent("store").WithCause(err)
		}
		return Metadata{}, errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithCause(err)
	}
	return Metadata{
		IsFile: !info.IsDir(),
		IsDir:  info.IsDir(),
		Len:    info.Size(),
	}, nil
}

func (d *DiskFS) CreateDir(_ context.Context, path string) error {
	if err := os.Mkdir(d.resolve(path), 0o755); err != nil && !os.IsExist(err) {
		return errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("CreateDir").WithCause(err)
	}
	return nil
}

func (d *DiskFS) CreateDirAll(_ context.Context, path string) error {
	if err := os.MkdirAll(d.resolve(path), 0o755); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("CreateDirAll").WithCause(err)
	}
	return nil
}

func (d *DiskFS) RemoveFile(_ context.Context, path string) error {
	if err := os.Remove(d.resolve(path)); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("RemoveFile").WithCause(err)
	}
	return nil
}

func (d *DiskFS) RemoveDir(_ context.Context, path string) error {
	if err := os.Remove(d.resolve(path)); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("RemoveDir").WithCause(err)
	}
	return nil
}

func (d *DiskFS) RemoveDirAll(_ context.Context, path string) error {
	if err := os.RemoveAll(d.resolve(path)); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("RemoveDirAll").WithCause(err)
	}
	return nil
}

func (d *DiskFS) Copy(_ context.Context, src, dst string) error {
	in, err := os.Open(d.resolve(src))
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, src).WithComponent("store").WithOperation("Copy").WithCause(err)
	}
	defer in.Close()

	fullDst := d.resolve(dst)
	if err := os.MkdirAll(filepath.Dir(fullDst), 0o755); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, dst).WithComponent("store").WithOperation("Copy").WithCause(err)
	}
	out, err := os.Create(fullDst)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, dst).WithComponent("store").WithOperation("Copy").WithCause(err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, dst).WithComponent("store").WithOperation("Copy").WithCause(err)
	}
	return nil
}

func (d *DiskFS) Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(d.resolve(path))
	if err != nil {
		return "", errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("Canonicalize").WithCause(err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewError(errors.ErrCodeNotFound, path).WithComponent("store").WithCause(err)
		}
		return "", errors.NewError(errors.ErrCodeStorageFailure, path).WithComponent("store").WithOperation("Canonicalize").WithCause(err)
	}
	return filepath.ToSlash(resolved), nil
}
