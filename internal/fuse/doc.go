/*
Package fuse mounts an internal/overlay.FS as a real FUSE filesystem, for
hosts that want a mountpoint rather than calling the overlay's Read/
ReadDir/Write API directly.

# Architecture

	┌─────────────────────────────┐
	│      User applications      │
	│   (ls, cat, node, npm)      │
	└─────────────────────────────┘
	               │
	┌─────────────────────────────┐
	│       Kernel VFS layer      │
	└─────────────────────────────┘
	               │
	┌─────────────────────────────┐
	│     FUSE driver (go-fuse    │
	│     or cgofuse)             │  ← This package
	└─────────────────────────────┘
	               │
	┌─────────────────────────────┐
	│  internal/overlay.FS        │
	│  registry-fs → fuse-link →  │
	│  direct storage             │
	└─────────────────────────────┘

# Platform support

Default build uses github.com/hanwen/go-fuse/v2 (filesystem.go, mount.go,
platform.go), targeting Linux and macOS with native FUSE. The "cgofuse"
build tag switches to github.com/winfsp/cgofuse (cgofuse_filesystem.go,
cgofuse_mount.go, platform_cgofuse.go) for Windows, which has no native
FUSE but supports WinFsp through cgofuse's cross-platform C binding.

	go build ./...                  # go-fuse
	go build -tags cgofuse ./...    # cgofuse

# Operations

Lookup, Readdir, Open, Read, Write, Create and Mkdir are implemented;
every one of them is a thin adapter over the corresponding overlay.FS
call, so the mounted tree reflects exactly what Read/ReadDir/Metadata
would report to a direct caller. Writes go straight to the overlay's
storage pass-through (read-modify-write, since FUSE writes arrive as
arbitrary-offset chunks but the storage collaborator has no partial-write
primitive); registry-fs and fuse-link are read-only layers and never see
a write.

# Configuration

	cfg := &fuse.MountConfig{
		MountPoint: "/mnt/project",
		Options: &fuse.MountOptions{
			ReadOnly:     false,
			AllowOther:   false,
			MaxRead:      128 * 1024,
			MaxWrite:     128 * 1024,
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			FSName:       "opfs",
			Subtype:      "npm",
		},
	}

	mgr := fuse.CreatePlatformMountManager(ov, cfg)
	if err := mgr.Mount(ctx); err != nil {
		log.Fatal(err)
	}
	defer mgr.Unmount()

# Statistics

FileSystem.GetStats (go-fuse build) reports atomic counters for lookups,
opens, reads, writes, bytes transferred and errors — a thin instrument
layer, not a second cache; the overlay's own layers (tar cache,
fuse-link sentinel cache, registry-fs descriptor/fetched-dirs caches)
are where actual caching happens and are inspected separately through
the overlay's cache-administration methods.
*/
package fuse
