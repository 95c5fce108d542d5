package fuse

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/utooland/opfs/internal/overlay"
	"github.com/utooland/opfs/internal/store"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem implements the FUSE filesystem interface over an overlay.FS:
// every Lookup/Readdir/Read/Write descends into the overlay's own
// registry-fs/fuse-link/direct-storage read orchestration rather than
// talking to a backend directly.
type FileSystem struct {
	fs.Inode

	overlay *overlay.FS
	config  *Config

	mu         sync.Mutex
	openFiles  map[uint64]*OpenFile
	nextHandle uint64

	stats *Stats
}

// Config represents FUSE filesystem configuration
type Config struct {
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`

	DirectIO  bool   `yaml:"direct_io"`
	KeepCache bool   `yaml:"keep_cache"`
	BigWrites bool   `yaml:"big_writes"`
	MaxRead   uint32 `yaml:"max_read"`
	MaxWrite  uint32 `yaml:"max_write"`

	DefaultUID  uint32        `yaml:"default_uid"`
	DefaultGID  uint32        `yaml:"default_gid"`
	DefaultMode uint32        `yaml:"default_mode"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// OpenFile represents an open file handle
type OpenFile struct {
	path string
	size int64
}

// Stats tracks filesystem operation statistics
type Stats struct {
	Lookups int64
	Opens   int64
	Reads   int64
	Writes  int64
	Errors  int64

	BytesRead    int64
	BytesWritten int64
}

// NewFileSystem creates a new FUSE filesystem backed by ov.
func NewFileSystem(ov *overlay.FS, config *Config) *FileSystem {
	if config == nil {
		config = &Config{
			DefaultUID:  1000,
			DefaultGID:  1000,
			DefaultMode: 0644,
			CacheTTL:    5 * time.Minute,
		}
	}

	return &FileSystem{
		overlay:    ov,
		config:     config,
		openFiles:  make(map[uint64]*OpenFile),
		nextHandle: 1,
		stats:      &Stats{},
	}
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fs: fsys, path: "/"}
}

// GetStats returns a snapshot of the filesystem's operation counters.
func (fsys *FileSystem) GetStats() *Stats {
	return &Stats{
		Lookups:      atomic.LoadInt64(&fsys.stats.Lookups),
		Opens:        atomic.LoadInt64(&fsys.stats.Opens),
		Reads:        atomic.LoadInt64(&fsys.stats.Reads),
		Writes:       atomic.LoadInt64(&fsys.stats.Writes),
		Errors:       atomic.LoadInt64(&fsys.stats.Errors),
		BytesRead:    atomic.LoadInt64(&fsys.stats.BytesRead),
		BytesWritten: atomic.LoadInt64(&fsys.stats.BytesWritten),
	}
}

// DirectoryNode represents a directory in the mounted tree.
type DirectoryNode struct {
	fs.Inode
	fs   *FileSystem
	path string
}

// Lookup looks up a child node by name via the overlay's Metadata.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	atomic.AddInt64(&n.fs.stats.Lookups, 1)

	childPath := n.joinPath(name)

	meta, err := n.fs.overlay.Metadata(ctx, childPath)
	if err != nil {
		atomic.AddInt64(&n.fs.stats.Errors, 1)
		return nil, syscall.ENOENT
	}

	if meta.IsDir {
		return n.createDirectoryNode(name, childPath), 0
	}
	return n.createFileNode(name, childPath, meta.Len), 0
}

// Readdir lists a directory's children through the overlay's ReadDir.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	overlayEntries, err := n.fs.overlay.ReadDir(ctx, n.path)
	if err != nil {
		atomic.AddInt64(&n.fs.stats.Errors, 1)
		logger.Errorf("readdir failed for %s: %v", n.path, err)
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(overlayEntries))
	for _, e := range overlayEntries {
		mode := uint32(fuse.S_IFREG)
		if e.Type == store.EntryDirectory {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: mode})
	}

	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a new directory.
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, syscall.EROFS
	}

	childPath := n.joinPath(name)
	if err := n.fs.overlay.CreateDirAll(ctx, childPath); err != nil {
		atomic.AddInt64(&n.fs.stats.Errors, 1)
		logger.Errorf("mkdir failed for %s: %v", childPath, err)
		return nil, syscall.EIO
	}

	return n.createDirectoryNode(name, childPath), 0
}

// Create creates a new empty file and opens it.
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}

	childPath := n.joinPath(name)
	if err := n.fs.overlay.Write(ctx, childPath, nil); err != nil {
		atomic.AddInt64(&n.fs.stats.Errors, 1)
		logger.Errorf("create failed for %s: %v", childPath, err)
		return nil, nil, 0, syscall.EIO
	}

	fileNode := &FileNode{fs: n.fs, path: childPath, size: 0}
	node = n.NewInode(ctx, fileNode, fs.StableAttr{Mode: fuse.S_IFREG})
	fh, fuseFlags, errno = fileNode.Open(ctx, flags)
	return node, fh, fuseFlags, errno
}

// FileNode represents a file in the mounted tree.
type FileNode struct {
	fs.Inode
	fs   *FileSystem
	path string
	size int64
}

// Open opens a file, returning a handle through which Read/Write operate.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	atomic.AddInt64(&f.fs.stats.Opens, 1)

	if f.fs.config.ReadOnly && (flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0) {
		return nil, 0, syscall.EROFS
	}

	f.fs.mu.Lock()
	handle := f.fs.nextHandle
	f.fs.nextHandle++
	f.fs.openFiles[handle] = &OpenFile{path: f.path, size: f.size}
	f.fs.mu.Unlock()

	return &FileHandle{fs: f.fs, handle: handle, node: f}, 0, 0
}

// Getattr reports the node's recorded size with the configured default mode,
// UID and GID.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = f.fs.config.DefaultMode
	out.Size = safeInt64ToUint64(f.size)
	out.Uid = f.fs.config.DefaultUID
	out.Gid = f.fs.config.DefaultGID
	return 0
}

// FileHandle represents an open file handle.
type FileHandle struct {
	fs     *FileSystem
	handle uint64
	node   *FileNode
}

// Read serves a read entirely through the overlay's Read (the overlay
// itself owns all caching across its three layers; this handle does not
// keep a second copy).
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	atomic.AddInt64(&fh.fs.stats.Reads, 1)

	data, err := fh.fs.overlay.Read(ctx, fh.node.path)
	if err != nil {
		atomic.AddInt64(&fh.fs.stats.Errors, 1)
		logger.Errorf("read failed for %s: %v", fh.node.path, err)
		return nil, syscall.EIO
	}

	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	chunk := data[off:end]

	atomic.AddInt64(&fh.fs.stats.BytesRead, int64(len(chunk)))
	return fuse.ReadResultData(chunk), 0
}

// Write writes the full new content for the file at the given offset by
// reading-modifying-writing through the overlay's direct storage pass-
// through; the overlay has no partial-write primitive.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	if fh.fs.config.ReadOnly {
		return 0, syscall.EROFS
	}

	existing, _ := fh.fs.overlay.Read(ctx, fh.node.path)
	needed := off + int64(len(data))
	if needed > int64(len(existing)) {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[off:], data)

	if err := fh.fs.overlay.Write(ctx, fh.node.path, existing); err != nil {
		atomic.AddInt64(&fh.fs.stats.Errors, 1)
		logger.Errorf("write failed for %s at offset %d: %v", fh.node.path, off, err)
		return 0, syscall.EIO
	}

	fh.node.size = int64(len(existing))
	atomic.AddInt64(&fh.fs.stats.Writes, 1)
	atomic.AddInt64(&fh.fs.stats.BytesWritten, int64(len(data)))
	return safeIntToUint32(len(data)), 0
}

// Release closes the file handle.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	fh.fs.mu.Lock()
	delete(fh.fs.openFiles, fh.handle)
	fh.fs.mu.Unlock()
	return 0
}

func (n *DirectoryNode) joinPath(name string) string {
	return filepath.Join(n.path, name)
}

func (n *DirectoryNode) createFileNode(name, path string, size int64) *fs.Inode {
	fileNode := &FileNode{fs: n.fs, path: path, size: size}
	return n.NewInode(context.Background(), fileNode, fs.StableAttr{Mode: fuse.S_IFREG})
}

func (n *DirectoryNode) createDirectoryNode(name, path string) *fs.Inode {
	dirNode := &DirectoryNode{fs: n.fs, path: path}
	return n.NewInode(context.Background(), dirNode, fs.StableAttr{Mode: fuse.S_IFDIR})
}
