//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"time"

	"github.com/utooland/opfs/internal/overlay"
)

// PlatformFileSystem is the platform-specific mount manager interface.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager creates the go-fuse-backed mount manager, the
// default on platforms with native FUSE support.
func CreatePlatformMountManager(ov *overlay.FS, config *MountConfig) PlatformFileSystem {
	fuseConfig := &Config{
		MountPoint:  config.MountPoint,
		ReadOnly:    false,
		DefaultUID:  1000,
		DefaultGID:  1000,
		DefaultMode: 0644,
		CacheTTL:    60 * time.Second,
	}

	filesystem := NewFileSystem(ov, fuseConfig)
	return NewMountManager(filesystem, config)
}
