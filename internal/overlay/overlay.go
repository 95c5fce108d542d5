// Package overlay composes the three read-path layers (registry-fs,
// fuse-link, direct storage) behind the single public surface a consumer
// (a FUSE mount, a CLI, an HTTP admin handler) drives: install, read,
// read_dir, the direct storage pass-throughs, current-working-directory
// state, and cache administration.
//
// The read orchestrator is strictly sequential and never races its
// layers: registry-fs is tried first, then fuse-link, then direct
// storage, and the first layer to claim the path wins.
package overlay

import (
	"context"
	"net/http"
	"time"

	"github.com/utooland/opfs/internal/fuselink"
	"github.com/utooland/opfs/internal/installer"
	"github.com/utooland/opfs/internal/lockfile"
	"github.com/utooland/opfs/internal/metrics"
	"github.com/utooland/opfs/internal/pathutil"
	"github.com/utooland/opfs/internal/registryfs"
	"github.com/utooland/opfs/internal/store"
	"github.com/utooland/opfs/internal/tarcache"
	"github.com/utooland/opfs/pkg/api"
	"github.com/utooland/opfs/pkg/health"
	"github.com/utooland/opfs/pkg/status"
)

// DirEntry is one child produced by the composed read_dir.
type DirEntry struct {
	Name string
	Type store.EntryType
}

// FS is the overlay: the composition root wiring registry-fs, fuse-link
// and direct storage into one read path, plus the installer and the
// storage collaborator's pass-through surface.
type FS struct {
	store    store.FS
	registry *registryfs.FS
	fuse     *fuselink.Resolver
	tar      *tarcache.Cache
	install  *installer.Installer
	metrics  *metrics.Collector
	health   *health.Tracker
	status   *status.Tracker

	cwd string
}

// componentStore, componentRegistry, componentTar and componentCircuit are
// the health component names registered by WithHealth.
const (
	componentStore    = "store"
	componentRegistry = "registryfs"
	componentTar      = "tarcache"
	componentCircuit  = "circuit"
)

// New wires the four collaborators into one overlay. registry may be nil
// to run without the registry-fs layer (direct/fuse-link only).
func New(fs store.FS, registry *registryfs.FS, fuse *fuselink.Resolver, tar *tarcache.Cache, install *installer.Installer) *FS {
	return &FS{store: fs, registry: registry, fuse: fuse, tar: tar, install: install}
}

// WithMetrics attaches a metrics collector to record operation and cache
// hit/miss counters. Recording is a no-op wherever m is nil, so attaching
// one is optional and safe to skip entirely.
func (o *FS) WithMetrics(m *metrics.Collector) *FS {
	o.metrics = m
	return o
}

// WithHealth attaches a health tracker, registers the overlay's four
// externally-observable components ("store", "registryfs", "tarcache",
// "circuit") with it, and hands it down to the collaborators that drive
// those components' real success/failure events (registry-fs's resilient
// fetch, the tar cache's archive loads).
func (o *FS) WithHealth(h *health.Tracker) *FS {
	o.health = h
	h.RegisterComponent(componentStore)
	h.RegisterComponent(componentRegistry)
	h.RegisterComponent(componentTar)
	h.RegisterComponent(componentCircuit)
	if o.registry != nil {
		o.registry.WithHealth(h)
	}
	o.tar.WithHealth(h)
	return o
}

// WithStatus attaches a status tracker, handing it down to the installer so
// install() calls report per-group download progress.
func (o *FS) WithStatus(s *status.Tracker) *FS {
	o.status = s
	o.install.WithStatus(s)
	return o
}

// AdminServer builds an admin HTTP server wired to this overlay's attached
// status, health and metrics collaborators (attach them via
// WithStatus/WithHealth/WithMetrics first; any left unattached surface as
// empty/unavailable rather than panicking). The server is not started;
// callers that want it reachable call Start or StartBackground on the
// result.
func (o *FS) AdminServer(config api.ServerConfig) *api.Server {
	var metricsHandler http.Handler
	if o.metrics != nil {
		metricsHandler = o.metrics.Handler()
	}
	return api.NewServer(config, o.status, o.health, metricsHandler)
}

// SetCwd sets the process-local current working directory consulted by
// prepare_path and by registry-fs's own virtualization.
func (o *FS) SetCwd(cwd string) {
	o.cwd = cwd
	if o.registry != nil {
		o.registry.SetCwd(cwd)
	}
}

// GetCwd returns the current working directory.
func (o *FS) GetCwd() string {
	return o.cwd
}

// Install runs the installer against lock, targeting the current working
// directory.
func (o *FS) Install(ctx context.Context, lock *lockfile.Lock, opts installer.Options) (*installer.Result, error) {
	start := time.Now()
	result, err := o.install.Install(ctx, o.cwd, lock, opts)
	if o.metrics != nil {
		o.metrics.RecordOperation("install", time.Since(start), 0, err == nil)
		if err != nil {
			o.metrics.RecordError("install", err)
		}
	}
	return result, err
}

// InitRegistryFS eagerly parses the lockfile at lockPath and populates the
// registry-fs descriptor cache, rather than waiting for the first
// registry-fs read to trigger auto-initialization.
func (o *FS) InitRegistryFS(ctx context.Context, lockPath string) error {
	if o.registry == nil {
		return nil
	}
	return o.registry.InitFromLockfile(ctx, lockPath)
}

// Read resolves path against the current working directory and serves it
// through registry-fs, then fuse-link, then direct storage, in that
// strict order. The first layer to claim the path wins; none of the
// later layers is consulted.
func (o *FS) Read(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	data, source, err := o.read(ctx, path)
	if o.metrics != nil {
		o.metrics.RecordOperation("read", time.Since(start), int64(len(data)), err == nil)
		if err != nil {
			o.metrics.RecordError("read", err)
		} else {
			o.metrics.RecordCacheHit(source+":"+path, int64(len(data)))
		}
	}
	return data, err
}

func (o *FS) read(ctx context.Context, path string) ([]byte, string, error) {
	prepared := pathutil.PreparePath(o.cwd, path)

	if o.registry != nil {
		data, err := o.registry.ReadFile(ctx, prepared)
		if err != nil {
			return nil, "registryfs", err
		}
		if data != nil {
			return data, "registryfs", nil
		}
		if o.metrics != nil {
			o.metrics.RecordCacheMiss("registryfs:"+prepared, 0)
		}
	}

	data, err := o.fuse.ReadFile(ctx, prepared)
	if err != nil {
		return nil, "fuselink", err
	}
	if data != nil {
		return data, "fuselink", nil
	}
	if o.metrics != nil {
		o.metrics.RecordCacheMiss("fuselink:"+prepared, 0)
	}

	data, err = o.store.Read(ctx, prepared)
	if o.health != nil {
		if err != nil {
			o.health.RecordError(componentStore, err)
		} else {
			o.health.RecordSuccess(componentStore)
		}
	}
	return data, "store", err
}

// ReadDir resolves path the same way Read does, returning the directory
// entries produced by the first layer that claims it.
func (o *FS) ReadDir(ctx context.Context, path string) ([]DirEntry, error) {
	start := time.Now()
	entries, err := o.readDir(ctx, path)
	if o.metrics != nil {
		o.metrics.RecordOperation("read_dir", time.Since(start), int64(len(entries)), err == nil)
		if err != nil {
			o.metrics.RecordError("read_dir", err)
		}
	}
	return entries, err
}

func (o *FS) readDir(ctx context.Context, path string) ([]DirEntry, error) {
	prepared := pathutil.PreparePath(o.cwd, path)

	if o.registry != nil {
		entries, err := o.registry.ReadDir(ctx, prepared)
		if err != nil {
			return nil, err
		}
		if entries != nil {
			if o.metrics != nil {
				o.metrics.RecordCacheHit("registryfs:"+prepared, int64(len(entries)))
			}
			return fromRegistryEntries(entries), nil
		}
		if o.metrics != nil {
			o.metrics.RecordCacheMiss("registryfs:"+prepared, 0)
		}
	}

	entries, err := o.fuse.ReadDir(ctx, prepared)
	if err != nil {
		return nil, err
	}
	if entries != nil {
		if o.metrics != nil {
			o.metrics.RecordCacheHit("fuselink:"+prepared, int64(len(entries)))
		}
		return fromFuseEntries(entries), nil
	}
	if o.metrics != nil {
		o.metrics.RecordCacheMiss("fuselink:"+prepared, 0)
	}

	direct, err := o.store.ReadDir(ctx, prepared)
	if err != nil {
		return nil, err
	}
	return fromStoreEntries(direct), nil
}

func fromRegistryEntries(entries []registryfs.DirEntry) []DirEntry {
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name, Type: e.Kind})
	}
	return out
}

func fromFuseEntries(entries []fuselink.DirEntry) []DirEntry {
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name, Type: e.Kind})
	}
	return out
}

func fromStoreEntries(entries []store.DirEntry) []DirEntry {
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name, Type: e.Type})
	}
	return out
}

// Write, CreateDir, CreateDirAll, Copy, the remove family and Metadata
// bypass all three read-path layers and go straight to the storage
// collaborator: writes are never overlay-aware.

func (o *FS) Write(ctx context.Context, path string, data []byte) error {
	err := o.store.Write(ctx, pathutil.PreparePath(o.cwd, path), data)
	if o.health != nil {
		if err != nil {
			o.health.RecordError(componentStore, err)
		} else {
			o.health.RecordSuccess(componentStore)
		}
	}
	return err
}

func (o *FS) CreateDir(ctx context.Context, path string) error {
	return o.store.CreateDir(ctx, pathutil.PreparePath(o.cwd, path))
}

func (o *FS) CreateDirAll(ctx context.Context, path string) error {
	return o.store.CreateDirAll(ctx, pathutil.PreparePath(o.cwd, path))
}

func (o *FS) RemoveFile(ctx context.Context, path string) error {
	return o.store.RemoveFile(ctx, pathutil.PreparePath(o.cwd, path))
}

func (o *FS) RemoveDir(ctx context.Context, path string) error {
	return o.store.RemoveDir(ctx, pathutil.PreparePath(o.cwd, path))
}

func (o *FS) RemoveDirAll(ctx context.Context, path string) error {
	return o.store.RemoveDirAll(ctx, pathutil.PreparePath(o.cwd, path))
}

func (o *FS) Copy(ctx context.Context, src, dst string) error {
	return o.store.Copy(ctx, pathutil.PreparePath(o.cwd, src), pathutil.PreparePath(o.cwd, dst))
}

func (o *FS) Metadata(ctx context.Context, path string) (store.Metadata, error) {
	return o.store.Metadata(ctx, pathutil.PreparePath(o.cwd, path))
}

func (o *FS) Canonicalize(path string) (string, error) {
	return o.store.Canonicalize(pathutil.PreparePath(o.cwd, path))
}

// ClearFuseCache empties the fuse-link sentinel-content cache.
func (o *FS) ClearFuseCache() {
	o.fuse.ClearCache()
}

// FuseCacheStats reports the fuse-link sentinel-content cache's occupancy.
func (o *FS) FuseCacheStats() fuselink.CacheStats {
	return o.fuse.CacheStats()
}

// ClearRegistryCache empties registry-fs's in-memory descriptor and
// fetched-dirs caches, without touching its on-disk cache files.
func (o *FS) ClearRegistryCache() {
	if o.registry != nil {
		o.registry.ClearCache()
	}
}

// ClearAllRegistryCache empties registry-fs's in-memory caches and removes
// its on-disk cache directory.
func (o *FS) ClearAllRegistryCache(ctx context.Context) error {
	if o.registry == nil {
		return nil
	}
	return o.registry.ClearAllRegistryCache(ctx)
}

// RegistryCacheStats reports registry-fs's descriptor and fetched-dirs
// cache occupancy.
func (o *FS) RegistryCacheStats() registryfs.CacheStats {
	if o.registry == nil {
		return registryfs.CacheStats{}
	}
	return o.registry.Stats()
}

// TarCacheStats reports the tar cache's occupancy, in bytes and archive
// count against its configured budget.
func (o *FS) TarCacheStats() tarcache.Stats {
	return o.tar.Stats()
}

// ReportCacheSizes pushes the current occupancy of every layer's cache
// into the attached metrics collector's size gauges. A no-op without an
// attached collector. Callers with a periodic housekeeping loop (a mount
// watcher, a CLI daemon) call this on a tick; it is not wired to fire on
// its own.
func (o *FS) ReportCacheSizes() {
	if o.metrics == nil {
		return
	}
	o.metrics.UpdateCacheSize("tarcache", o.tar.Stats().SizeBytes)
	o.metrics.UpdateCacheSize("fuselink", int64(o.fuse.CacheStats().Entries))
	if o.registry != nil {
		stats := o.registry.Stats()
		o.metrics.UpdateCacheSize("registryfs_descriptors", int64(stats.DescriptorCount))
		o.metrics.UpdateCacheSize("registryfs_fetched_dirs", int64(stats.FetchedDirCount))
	}
}
