// Package installer plans, downloads, verifies, extracts and links the
// packages named by a parsed lockfile: grouping entries by
// archive URL, skipping entries the caller opted out of, fetching with
// bounded concurrency, and creating a fuse-link sentinel at every surviving
// install path.
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/utooland/opfs/internal/extract"
	"github.com/utooland/opfs/internal/fuselink"
	"github.com/utooland/opfs/internal/lockfile"
	"github.com/utooland/opfs/internal/pack"
	"github.com/utooland/opfs/internal/store"
	"github.com/utooland/opfs/pkg/errors"
	"github.com/utooland/opfs/pkg/status"
)

// Mode selects whether a group's contents are materialized to a directory
// at install time (Eager) or left compressed and served on demand through
// the tar cache (Lazy).
type Mode int

const (
	Lazy Mode = iota
	Eager
)

// Options govern one install(...) call.
type Options struct {
	Mode          Mode
	MaxConcurrent int // default 20
	OmitDev       bool
	OmitOptional  bool
}

// DefaultOptions returns sensible defaults: lazy mode, 20 concurrent
// downloads, nothing omitted.
func DefaultOptions() Options {
	return Options{Mode: Lazy, MaxConcurrent: 20}
}

// Fetcher is the HTTP collaborator the installer downloads archives through.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Installer plans and executes lockfile installs against a storage
// collaborator and fuse-link resolver.
type Installer struct {
	fs      store.FS
	fuse    *fuselink.Resolver
	fetcher Fetcher
	status  *status.Tracker
}

// New returns an Installer that writes archives and unpacked trees through
// fs, links packages through fuse, and downloads via fetcher.
func New(fs store.FS, fuse *fuselink.Resolver, fetcher Fetcher) *Installer {
	return &Installer{fs: fs, fuse: fuse, fetcher: fetcher}
}

// WithStatus attaches a status tracker that reports the install's overall
// progress and each group's download as it completes. Reporting is a no-op
// wherever s is nil, so attaching one is optional.
func (in *Installer) WithStatus(s *status.Tracker) *Installer {
	in.status = s
	return in
}

// group is one deduplicated archive identity: all install paths that share
// a resolved_url.
type group struct {
	name        string
	version     string
	url         string
	integrity   string
	shasum      string
	installPaths []string
}

// Result reports one install() call's outcome.
type Result struct {
	Installed []string // install paths that were linked
	Skipped   []string // install paths skipped by omit/platform rules
	Downloads int      // number of HTTP GETs performed
}

// Install plans, downloads, verifies, extracts (if eager) and links every
// non-skipped entry in lock. The root package.json in cwd is written first
// if absent, and that write completes before any download begins.
func (in *Installer) Install(ctx context.Context, cwd string, lock *lockfile.Lock, opts Options) (*Result, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 20
	}

	if err := in.ensureRootPackageJSON(ctx, cwd, lock); err != nil {
		return nil, err
	}

	groups, skipped := plan(lock, opts)

	result := &Result{Skipped: skipped}

	var op *status.Operation
	if in.status != nil {
		op, ctx = in.status.StartOperation(ctx, "install-packages", map[string]interface{}{
			"groups": len(groups),
		})
		_ = in.status.SetPhase(op.ID, "downloading")
	}

	var mu sync.Mutex
	var completedGroups int64
	sem := make(chan struct{}, opts.MaxConcurrent)
	var wg sync.WaitGroup
	errCh := make(chan error, len(groups))

	for _, g := range groups {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			downloaded, err := in.installGroup(ctx, g, opts.Mode)
			if err != nil {
				errCh <- fmt.Errorf("%s@%s: %w", g.name, g.version, err)
				return
			}

			mu.Lock()
			if downloaded {
				result.Downloads++
			}
			result.Installed = append(result.Installed, g.installPaths...)
			mu.Unlock()

			if in.status != nil {
				done := atomic.AddInt64(&completedGroups, 1)
				_ = in.status.UpdateProgress(op.ID, done, int64(len(groups)), "groups")
			}
		}()
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		if in.status != nil {
			_ = in.status.FailOperation(op.ID, err)
		}
		return nil, err
	}

	if in.status != nil {
		_ = in.status.SetPhase(op.ID, "linking")
	}

	for _, g := range groups {
		for _, installPath := range g.installPaths {
			if err := in.link(ctx, cwd, g, installPath, opts.Mode); err != nil {
				wrapped := fmt.Errorf("%s@%s: link %s: %w", g.name, g.version, installPath, err)
				if in.status != nil {
					_ = in.status.FailOperation(op.ID, wrapped)
				}
				return nil, wrapped
			}
		}
	}

	if in.status != nil {
		_ = in.status.CompleteOperation(op.ID)
	}

	return result, nil
}

// plan groups non-skipped entries by resolved_url.
func plan(lock *lockfile.Lock, opts Options) ([]*group, []string) {
	byURL := make(map[string]*group)
	var order []string
	var skipped []string

	for installPath, pkg := range lock.Packages {
		if installPath == "" {
			continue
		}
		if opts.OmitDev && pkg.Dev {
			skipped = append(skipped, installPath)
			continue
		}
		if opts.OmitOptional && pkg.Optional {
			skipped = append(skipped, installPath)
			continue
		}
		if pkg.Optional && pkg.HasPlatformConstraint() {
			skipped = append(skipped, installPath)
			continue
		}
		if pkg.Resolved == nil || *pkg.Resolved == "" {
			skipped = append(skipped, installPath)
			continue
		}

		url := *pkg.Resolved
		g, ok := byURL[url]
		if !ok {
			g = &group{
				name:      pkg.GetName(installPath),
				version:   pkg.GetVersion(),
				url:       url,
				integrity: stringOrEmpty(pkg.Integrity),
				shasum:    stringOrEmpty(pkg.Shasum),
			}
			byURL[url] = g
			order = append(order, url)
		}
		g.installPaths = append(g.installPaths, installPath)
	}

	groups := make([]*group, 0, len(order))
	for _, url := range order {
		groups = append(groups, byURL[url])
	}
	return groups, skipped
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// installGroup ensures a group's archive is present and (in eager mode)
// extracted, downloading only if not already cached. Returns whether an
// HTTP GET was performed.
func (in *Installer) installGroup(ctx context.Context, g *group, mode Mode) (bool, error) {
	paths := store.NewPackagePaths(g.name, g.url)

	cached, err := in.isCached(ctx, paths, mode)
	if err != nil {
		return false, err
	}
	if cached {
		return false, nil
	}

	data, downloaded, err := in.getOrDownload(ctx, paths.Archive, g.url, g.integrity, g.shasum)
	if err != nil {
		return downloaded, err
	}

	if err := in.fs.Write(ctx, paths.Archive, data); err != nil {
		return downloaded, errors.NewError(errors.ErrCodeStorageFailure, "write archive").
			WithComponent("installer").WithCause(err)
	}

	if mode == Eager {
		// Clear a corrupt cache: a file at the unpack path or a directory at
		// the marker path would otherwise block extraction or the marker write.
		if meta, err := in.fs.Metadata(ctx, paths.Unpack); err == nil && !meta.IsDir {
			_ = in.fs.RemoveFile(ctx, paths.Unpack)
		}
		if meta, err := in.fs.Metadata(ctx, paths.Marker); err == nil && meta.IsDir {
			_ = in.fs.RemoveDirAll(ctx, paths.Marker)
		}
		if err := extract.ToDir(ctx, in.fs, data, paths.Unpack); err != nil {
			return downloaded, err
		}
		if err := in.fs.Write(ctx, paths.Marker, nil); err != nil {
			return downloaded, errors.NewError(errors.ErrCodeStorageFailure, "write resolved marker").
				WithComponent("installer").WithCause(err)
		}
	}

	return downloaded, nil
}

// isCached reports whether a group's archive (lazy) or unpack+marker pair
// (eager) already exists in valid form. Type
// mismatches (a directory at the marker path, a file at the unpack path)
// count as corrupt, forcing a re-install.
func (in *Installer) isCached(ctx context.Context, paths store.PackagePaths, mode Mode) (bool, error) {
	if mode == Lazy {
		meta, err := in.fs.Metadata(ctx, paths.Archive)
		if err != nil {
			return false, nil
		}
		return meta.IsFile, nil
	}

	markerMeta, err := in.fs.Metadata(ctx, paths.Marker)
	if err != nil || !markerMeta.IsFile {
		return false, nil
	}
	unpackMeta, err := in.fs.Metadata(ctx, paths.Unpack)
	if err != nil || !unpackMeta.IsDir {
		return false, nil
	}
	return true, nil
}

// getOrDownload reuses valid bytes already at storePath, re-fetching on
// integrity mismatch or absence.
func (in *Installer) getOrDownload(ctx context.Context, storePath, url, integrity, shasum string) ([]byte, bool, error) {
	if data, err := in.fs.Read(ctx, storePath); err == nil {
		if integrity == "" && shasum == "" {
			return data, false, nil
		}
		if pack.VerifyIntegrity(data, integrity, shasum) {
			return data, false, nil
		}
	}

	data, err := in.fetcher.Get(ctx, url)
	if err != nil {
		return nil, true, errors.NewError(errors.ErrCodeNetworkFailure, "download archive").
			WithComponent("installer").WithDetail("url", url).WithCause(err)
	}

	if integrity != "" || shasum != "" {
		if !pack.VerifyIntegrity(data, integrity, shasum) {
			return nil, true, errors.NewError(errors.ErrCodeIntegrityFailure, "downloaded archive failed verification").
				WithComponent("installer").WithDetail("url", url)
		}
	}

	return data, true, nil
}

// link creates the fuse-link sentinel for installPath, pointing at the
// group's store (lazy) or unpack directory (eager).
func (in *Installer) link(ctx context.Context, cwd string, g *group, installPath string, mode Mode) error {
	paths := store.NewPackagePaths(g.name, g.url)
	dst := joinCwd(cwd, installPath)

	if mode == Eager {
		return in.fuse.LinkDirectory(ctx, paths.Unpack, dst)
	}
	return in.fuse.LinkArchive(ctx, paths.Archive, dst, "package")
}

func joinCwd(cwd, installPath string) string {
	cwd = strings.TrimSuffix(cwd, "/")
	if cwd == "" {
		return "/" + installPath
	}
	return cwd + "/" + installPath
}

// ensureRootPackageJSON writes the lockfile's root entry as pretty JSON to
// cwd/package.json if absent, ensuring node_modules exists alongside it.
func (in *Installer) ensureRootPackageJSON(ctx context.Context, cwd string, lock *lockfile.Lock) error {
	target := joinCwd(cwd, "package.json")
	if _, err := in.fs.Metadata(ctx, target); err == nil {
		return nil
	}

	root, ok := lock.Root()
	if !ok {
		return nil
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return errors.NewError(errors.ErrCodeMalformedInput, "serialize root package.json").
			WithComponent("installer").WithCause(err)
	}

	if err := in.fs.CreateDirAll(ctx, joinCwd(cwd, "node_modules")); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, "create node_modules").
			WithComponent("installer").WithCause(err)
	}
	if err := in.fs.Write(ctx, target, data); err != nil {
		return errors.NewError(errors.ErrCodeStorageFailure, "write root package.json").
			WithComponent("installer").WithCause(err)
	}
	return nil
}
