// Package fuselink implements the fuse-link redirection layer:
// locating the nearest fuse.link sentinel for a path, resolving it to a
// target directory or archive+prefix, and serving reads through that
// target while overlaying the path's original physical entries.
package fuselink

import (
	"context"
	"strings"
	"sync"

	"github.com/utooland/opfs/internal/pathutil"
	"github.com/utooland/opfs/internal/store"
	"github.com/utooland/opfs/internal/tarcache"
	"github.com/utooland/opfs/pkg/errors"
)

// DirEntry is one child produced by a fuse-link-aware directory listing.
type DirEntry struct {
	Name string
	Kind store.EntryType
}

// target is a resolved fuse-link sentinel: where the real bytes live.
type target struct {
	path    string  // target directory (directory mode) or archive path (archive mode)
	rel     string  // path relative to the sentinel's directory
	prefix  *string // non-nil in archive mode
}

// Resolver resolves consumer paths through fuse-link sentinels.
type Resolver struct {
	fs  store.FS
	tar *tarcache.Cache

	mu       sync.RWMutex
	sentinel map[string]string // sentinel path -> trimmed first line
}

// New returns a Resolver backed by fs for physical reads and tar for
// archive-mode reads.
func New(fs store.FS, tar *tarcache.Cache) *Resolver {
	return &Resolver{fs: fs, tar: tar, sentinel: make(map[string]string)}
}

// sentinelContent returns the trimmed first line of the sentinel at
// sentinelPath, consulting the process-wide cache first.
func (r *Resolver) sentinelContent(ctx context.Context, sentinelPath string) (string, bool) {
	r.mu.RLock()
	if content, ok := r.sentinel[sentinelPath]; ok {
		r.mu.RUnlock()
		return content, content != ""
	}
	r.mu.RUnlock()

	data, err := r.fs.Read(ctx, sentinelPath)
	if err != nil {
		return "", false
	}

	content := firstNonEmptyLine(string(data))

	r.mu.Lock()
	r.sentinel[sentinelPath] = content
	r.mu.Unlock()

	return content, content != ""
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func parseSentinel(content string) (path string, prefix *string) {
	if idx := strings.IndexByte(content, '|'); idx >= 0 {
		p := content[idx+1:]
		return content[:idx], &p
	}
	return content, nil
}

// resolve finds the fuse-link target for preparedPath. A nil target with a
// nil error means "not applicable" — no sentinel governs this path.
func (r *Resolver) resolve(ctx context.Context, preparedPath string) (*target, error) {
	sentinelPath, ok := pathutil.FindFuseLink(preparedPath)
	if !ok {
		return nil, nil
	}

	content, ok := r.sentinelContent(ctx, sentinelPath)
	if !ok {
		return nil, nil
	}

	targetPath, prefix := parseSentinel(content)
	sentinelDir := strings.TrimSuffix(sentinelPath, "/fuse.link")

	rel, ok := strings.CutPrefix(preparedPath, sentinelDir)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeInvariantViolated, preparedPath).
			WithComponent("fuselink").WithDetail("sentinel_dir", sentinelDir)
	}
	rel = strings.TrimPrefix(rel, "/")

	return &target{path: targetPath, rel: rel, prefix: prefix}, nil
}

// ReadFile reads a file through the fuse-link layer. A nil slice with a nil
// error means "not applicable" (no sentinel governs this path); callers
// fall through to the next read-path layer.
func (r *Resolver) ReadFile(ctx context.Context, preparedPath string) ([]byte, error) {
	t, err := r.resolve(ctx, preparedPath)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	if t.prefix == nil {
		data, err := r.fs.Read(ctx, joinDirRel(t.path, t.rel))
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeNotFound, preparedPath).
				WithComponent("fuselink").WithOperation("ReadFile").WithCause(err)
		}
		return data, nil
	}

	if t.rel == "" {
		return nil, errors.NewError(errors.ErrCodeIsADirectory, preparedPath).WithComponent("fuselink")
	}
	return r.tar.ReadFile(ctx, t.path, *t.prefix+"/"+t.rel)
}

// ReadDir lists a directory through the fuse-link layer: the union of the
// path's physical entries (minus "fuse.link") and the resolved target's
// entries. A nil slice with a nil error means "not applicable".
func (r *Resolver) ReadDir(ctx context.Context, preparedPath string) ([]DirEntry, error) {
	t, err := r.resolve(ctx, preparedPath)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	targetEntries, targetErr := r.targetEntries(ctx, t)
	physical, physicalErr := r.physicalEntries(ctx, preparedPath)

	if physicalErr != nil {
		if targetErr != nil {
			return nil, nil
		}
		return targetEntries, nil
	}
	if targetErr != nil {
		return physical, nil
	}
	return mergePreferTarget(physical, targetEntries), nil
}

// mergePreferTarget unions physical and target entries by name. When both
// sides name the same entry, the target's wins (the overlay's purpose is to
// present archive/target content over whatever physically sits underneath).
func mergePreferTarget(physical, target []DirEntry) []DirEntry {
	byName := make(map[string]DirEntry, len(physical)+len(target))
	order := make([]string, 0, len(physical)+len(target))
	for _, e := range physical {
		if _, seen := byName[e.Name]; !seen {
			order = append(order, e.Name)
		}
		byName[e.Name] = e
	}
	for _, e := range target {
		if _, seen := byName[e.Name]; !seen {
			order = append(order, e.Name)
		}
		byName[e.Name] = e
	}
	merged := make([]DirEntry, 0, len(order))
	for _, name := range order {
		merged = append(merged, byName[name])
	}
	return merged
}

func (r *Resolver) targetEntries(ctx context.Context, t *target) ([]DirEntry, error) {
	if t.prefix == nil {
		return r.readDirEntries(ctx, joinDirRel(t.path, t.rel))
	}

	dirInArchive := *t.prefix
	if t.rel != "" {
		dirInArchive = *t.prefix + "/" + t.rel
	}
	entries, err := r.tar.ReadDir(ctx, t.path, dirInArchive)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		kind := store.EntryFile
		if e.Kind == tarcache.KindDirectory {
			kind = store.EntryDirectory
		}
		out = append(out, DirEntry{Name: e.Name, Kind: kind})
	}
	return out, nil
}

func (r *Resolver) physicalEntries(ctx context.Context, preparedPath string) ([]DirEntry, error) {
	entries, err := r.readDirEntries(ctx, preparedPath)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Name != "fuse.link" {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Resolver) readDirEntries(ctx context.Context, dir string) ([]DirEntry, error) {
	entries, err := r.fs.ReadDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name, Kind: e.Type})
	}
	return out, nil
}

func joinDirRel(dir, rel string) string {
	if rel == "" {
		return dir
	}
	return dir + "/" + rel
}

// LinkDirectory writes a directory-mode fuse-link sentinel at dst, ensuring
// dst exists first. The sentinel resolves dst to src's contents.
func (r *Resolver) LinkDirectory(ctx context.Context, src, dst string) error {
	return r.writeSentinel(ctx, dst, src+"\n")
}

// LinkArchive writes an archive-mode fuse-link sentinel at dst. prefix, if
// non-empty, is the archive-internal path whose contents become dst's.
func (r *Resolver) LinkArchive(ctx context.Context, archive, dst, prefix string) error {
	content := archive + "\n"
	if prefix != "" {
		content = archive + "|" + prefix + "\n"
	}
	return r.writeSentinel(ctx, dst, content)
}

func (r *Resolver) writeSentinel(ctx context.Context, dst, content string) error {
	if err := r.fs.CreateDirAll(ctx, dst); err != nil {
		return err
	}
	sentinelPath := dst + "/fuse.link"
	if err := r.fs.Write(ctx, sentinelPath, []byte(content)); err != nil {
		return err
	}

	r.mu.Lock()
	r.sentinel[sentinelPath] = strings.TrimSpace(content)
	r.mu.Unlock()
	return nil
}

// ClearCache empties the sentinel-content cache.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sentinel = make(map[string]string)
}

// CacheStats reports the sentinel-content cache's occupancy.
type CacheStats struct {
	Entries int
}

func (r *Resolver) CacheStats() CacheStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return CacheStats{Entries: len(r.sentinel)}
}
