//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"github.com/utooland/opfs/internal/overlay"
)

// PlatformFileSystem is the platform-specific mount manager interface.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager creates the cgofuse-backed mount manager, used
// on platforms (notably Windows) without native hanwen/go-fuse support.
func CreatePlatformMountManager(ov *overlay.FS, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseMountManager(ov, config)
}
