//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/utooland/opfs/internal/overlay"
	"github.com/utooland/opfs/internal/store"
)

// CgoFuseFS mounts an overlay.FS using cgofuse, for platforms (notably
// Windows) without native hanwen/go-fuse support.
type CgoFuseFS struct {
	fuse.FileSystemBase

	overlay *overlay.FS
	config  *Config

	mu         sync.RWMutex
	openFiles  map[uint64]*cgoOpenFile
	nextHandle uint64
	host       *fuse.FileSystemHost
	mounted    bool
}

type cgoOpenFile struct {
	path string
}

// NewCgoFuseFS creates a new cgofuse-based filesystem backed by ov.
func NewCgoFuseFS(ov *overlay.FS, config *Config) *CgoFuseFS {
	return &CgoFuseFS{
		overlay:    ov,
		config:     config,
		openFiles:  make(map[uint64]*cgoOpenFile),
		nextHandle: 1,
	}
}

// Mount mounts the filesystem.
func (fsys *CgoFuseFS) Mount(ctx context.Context) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if fsys.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	fsys.host = fuse.NewFileSystemHost(fsys)

	options := []string{
		"-o", "fsname=opfs",
		"-o", "subtype=npm",
	}
	if !fsys.config.AllowOther {
		options = append(options, "-o", "default_permissions")
	}

	go func() {
		ret := fsys.host.Mount(fsys.config.MountPoint, options)
		if !ret {
			logger.Errorf("mount failed for %s", fsys.config.MountPoint)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	fsys.mounted = true
	logger.Infof("opfs mounted at: %s", fsys.config.MountPoint)
	return nil
}

// Unmount unmounts the filesystem.
func (fsys *CgoFuseFS) Unmount() error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if !fsys.mounted {
		return fmt.Errorf("filesystem not mounted")
	}

	if fsys.host != nil && !fsys.host.Unmount() {
		return fmt.Errorf("unmount failed")
	}

	fsys.mounted = false
	logger.Infof("opfs unmounted from: %s", fsys.config.MountPoint)
	return nil
}

// IsMounted returns whether the filesystem is mounted.
func (fsys *CgoFuseFS) IsMounted() bool {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()
	return fsys.mounted
}

// Getattr gets file attributes through the overlay's Metadata.
func (fsys *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	if path == "/" {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
		return 0
	}

	meta, err := fsys.overlay.Metadata(context.Background(), path)
	if err != nil {
		return -fuse.ENOENT
	}

	if meta.IsDir {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
		return 0
	}

	stat.Mode = fuse.S_IFREG | uint32(fsys.config.DefaultMode)
	stat.Size = meta.Len
	stat.Nlink = 1
	return 0
}

// Open opens a file.
func (fsys *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	fsys.mu.Lock()
	handle := fsys.nextHandle
	fsys.nextHandle++
	fsys.openFiles[handle] = &cgoOpenFile{path: path}
	fsys.mu.Unlock()

	return 0, handle
}

// Read reads from a file by delegating the whole file to the overlay's
// Read and slicing the requested window.
func (fsys *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	data, err := fsys.overlay.Read(context.Background(), path)
	if err != nil {
		return -fuse.EIO
	}
	if ofst >= int64(len(data)) {
		return 0
	}
	end := ofst + int64(len(buff))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	n := copy(buff, data[ofst:end])
	return n
}

// Write writes to a file via a read-modify-write through the overlay's
// direct storage pass-through.
func (fsys *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	if fsys.config.ReadOnly {
		return -fuse.EROFS
	}

	existing, _ := fsys.overlay.Read(context.Background(), path)
	needed := ofst + int64(len(buff))
	if needed > int64(len(existing)) {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[ofst:], buff)

	if err := fsys.overlay.Write(context.Background(), path, existing); err != nil {
		return -fuse.EIO
	}
	return len(buff)
}

// Release closes a file.
func (fsys *CgoFuseFS) Release(path string, fh uint64) int {
	fsys.mu.Lock()
	delete(fsys.openFiles, fh)
	fsys.mu.Unlock()
	return 0
}

// Readdir reads directory contents through the overlay's ReadDir.
func (fsys *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	fill(".", nil, 0)
	fill("..", nil, 0)

	entries, err := fsys.overlay.ReadDir(context.Background(), path)
	if err != nil {
		return -fuse.EIO
	}

	for _, e := range entries {
		if strings.Contains(e.Name, "/") {
			continue
		}
		stat := &fuse.Stat_t{}
		if e.Type == store.EntryDirectory {
			stat.Mode = fuse.S_IFDIR | 0755
			stat.Nlink = 2
		} else {
			stat.Mode = fuse.S_IFREG | 0644
			stat.Nlink = 1
		}
		if !fill(e.Name, stat, 0) {
			break
		}
	}

	return 0
}

// GetStats returns filesystem statistics. cgofuse's FileSystemBase gives
// no operation hooks cheap enough to instrument without per-call locking
// overhead on every syscall, so unlike the go-fuse FileSystem this
// implementation does not track per-operation counters.
func (fsys *CgoFuseFS) GetStats() *FilesystemStats {
	return &FilesystemStats{}
}
