// Package registryfs serves file and directory reads directly from an
// npm-compatible HTTP registry's files API, durably caching everything it
// fetches through a storage collaborator so repeat reads never hit the
// network twice for the same bytes.
package registryfs

import (
	"context"
	"encoding/json"
	stderr "errors"
	"strings"
	"sync"

	"github.com/utooland/opfs/internal/circuit"
	"github.com/utooland/opfs/internal/lockfile"
	"github.com/utooland/opfs/internal/store"
	"github.com/utooland/opfs/pkg/errors"
	"github.com/utooland/opfs/pkg/health"
	"github.com/utooland/opfs/pkg/retry"
)

var errNonSuccessStatus = stderr.New("registry returned a non-2xx status")

// DirEntry is one child produced by a registry-backed directory listing.
type DirEntry struct {
	Name string
	Kind store.EntryType
}

// Fetcher performs the raw HTTP GET a registry-fs call needs. status is the
// response's HTTP status code; body is only meaningful when err is nil.
type Fetcher interface {
	Get(ctx context.Context, url string) (status int, body []byte, err error)
}

type descriptor struct {
	name         string
	version      string
	registryBase string
	installPath  string
}

type fileEntry struct {
	Path     string  `json:"path"`
	Type     string  `json:"type"`
	Size     *int64  `json:"size,omitempty"`
	Modified *string `json:"modified,omitempty"`
}

type fileListResponse struct {
	Files []fileEntry `json:"files"`
}

const (
	defaultMaxMetadataEntries   = 100000
	defaultMaxFetchedDirEntries = 5000
)

// FS resolves consumer paths against a lockfile's package-descriptor map and
// serves file/directory content straight from the registry the lockfile
// named, caching results under /registry-fs.
type FS struct {
	fs       store.FS
	fetcher  Fetcher
	retryer  *retry.Retryer
	breakers *circuit.Manager
	health   *health.Tracker

	maxMetadataEntries   int
	maxFetchedDirEntries int

	mu          sync.RWMutex
	cwd         string
	descriptors map[string]descriptor // install_path -> descriptor

	fetchedMu sync.Mutex
	fetched   map[string]struct{}
}

// New returns an FS backed by fs for caching and fetcher for registry HTTP
// calls, retrying transient failures through retryer and breaking per
// registry host through breakers.
func New(fs store.FS, fetcher Fetcher, retryer *retry.Retryer, breakers *circuit.Manager) *FS {
	return &FS{
		fs:                   fs,
		fetcher:              fetcher,
		retryer:              retryer,
		breakers:             breakers,
		maxMetadataEntries:   defaultMaxMetadataEntries,
		maxFetchedDirEntries: defaultMaxFetchedDirEntries,
		cwd:                  "/",
		descriptors:          make(map[string]descriptor),
		fetched:              make(map[string]struct{}),
	}
}

// WithHealth attaches a health tracker that records "registryfs" and
// "circuit" component health around every resilient fetch. Recording is a
// no-op wherever h is nil, so attaching one is optional.
func (r *FS) WithHealth(h *health.Tracker) *FS {
	r.health = h
	return r
}

// SetCwd sets the working directory against which install paths and the
// well-known synthetic levels (cwd, root node_modules, scope dirs) are
// recognized.
func (r *FS) SetCwd(cwd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cwd = strings.TrimSuffix(cwd, "/")
}

// GetCwd returns the current working directory.
func (r *FS) GetCwd() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cwd
}

// InitFromLockfile reads and parses the package-lock.json at lockPath,
// populating the descriptor cache. Packages without a resolved URL, and the
// root entry, are skipped.
func (r *FS) InitFromLockfile(ctx context.Context, lockPath string) error {
	data, err := r.fs.Read(ctx, lockPath)
	if err != nil {
		return err
	}
	lock, err := lockfile.Parse(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for installPath, pkg := range lock.Packages {
		if installPath == "" || pkg.Resolved == nil || *pkg.Resolved == "" {
			continue
		}
		r.descriptors[installPath] = descriptor{
			name:         pkg.GetName(installPath),
			version:      pkg.GetVersion(),
			registryBase: registryBaseFromResolved(*pkg.Resolved),
			installPath:  installPath,
		}
	}
	r.evictMetadataLocked()
	return nil
}

func (r *FS) ensureInitialized(ctx context.Context) {
	r.mu.RLock()
	empty := len(r.descriptors) == 0
	cwd := r.cwd
	r.mu.RUnlock()
	if !empty {
		return
	}
	_ = r.InitFromLockfile(ctx, joinCwd(cwd, "package-lock.json"))
}

// resolve finds the descriptor governing preparedPath by longest install-path
// prefix match against the path relative to cwd, and the path inside the
// package that remains. ok is false when no descriptor matches.
func (r *FS) resolve(ctx context.Context, preparedPath string) (descriptor, string, bool) {
	r.mu.RLock()
	cwd := r.cwd
	rel := relativeToCwd(preparedPath, cwd)
	best, ok := longestPrefixMatch(r.descriptors, rel)
	r.mu.RUnlock()
	if ok {
		return best, strings.TrimPrefix(strings.TrimPrefix(rel, best.installPath), "/"), true
	}

	// Memory miss: re-read package-lock.json on demand without replacing the
	// whole cache, and remember the winner if one is found.
	data, err := r.fs.Read(ctx, joinCwd(cwd, "package-lock.json"))
	if err != nil {
		return descriptor{}, "", false
	}
	lock, err := lockfile.Parse(data)
	if err != nil {
		return descriptor{}, "", false
	}

	fresh := make(map[string]descriptor, len(lock.Packages))
	for installPath, pkg := range lock.Packages {
		if installPath == "" || pkg.Resolved == nil || *pkg.Resolved == "" {
			continue
		}
		fresh[installPath] = descriptor{
			name:         pkg.GetName(installPath),
			version:      pkg.GetVersion(),
			registryBase: registryBaseFromResolved(*pkg.Resolved),
			installPath:  installPath,
		}
	}
	best, ok = longestPrefixMatch(fresh, rel)
	if !ok {
		return descriptor{}, "", false
	}

	r.mu.Lock()
	r.descriptors[best.installPath] = best
	r.evictMetadataLocked()
	r.mu.Unlock()

	return best, strings.TrimPrefix(strings.TrimPrefix(rel, best.installPath), "/"), true
}

func longestPrefixMatch(descriptors map[string]descriptor, rel string) (descriptor, bool) {
	var best descriptor
	bestLen := -1
	for installPath, d := range descriptors {
		if strings.HasPrefix(rel, installPath) && len(installPath) > bestLen {
			best = d
			bestLen = len(installPath)
		}
	}
	return best, bestLen >= 0
}

func relativeToCwd(preparedPath, cwd string) string {
	if rel, ok := strings.CutPrefix(preparedPath, cwd); ok {
		return strings.TrimPrefix(rel, "/")
	}
	return strings.TrimPrefix(preparedPath, "/")
}

func joinCwd(cwd, name string) string {
	if cwd == "" {
		return "/" + name
	}
	return cwd + "/" + name
}

// evictMetadataLocked trims the descriptor cache only when it has
// significantly exceeded its bound, since most entries are load-bearing
// mappings from the active lockfile rather than disposable cache fill.
// Caller must hold r.mu for writing.
func (r *FS) evictMetadataLocked() {
	limit := r.maxMetadataEntries
	if len(r.descriptors) <= limit*2 {
		return
	}
	toRemove := len(r.descriptors) - limit
	for k := range r.descriptors {
		if toRemove <= 0 {
			break
		}
		delete(r.descriptors, k)
		toRemove--
	}
}

// ReadFile reads one file through the registry. A nil slice with a nil error
// means "not applicable": no descriptor resolves preparedPath, the path
// names a directory, or the registry request failed.
func (r *FS) ReadFile(ctx context.Context, preparedPath string) ([]byte, error) {
	r.ensureInitialized(ctx)

	d, rel, ok := r.resolve(ctx, preparedPath)
	if !ok || rel == "" {
		return nil, nil
	}

	cachePath := cacheFilePath(d, rel)
	if cached, err := r.fs.Read(ctx, cachePath); err == nil && len(cached) > 0 {
		return cached, nil
	}

	status, body, err := r.fetchResilient(ctx, d.registryBase, fileContentURL(d, rel))
	if err != nil || status < 200 || status >= 300 {
		return nil, nil
	}

	_ = r.fs.CreateDirAll(ctx, parentDir(cachePath))
	_ = r.fs.Write(ctx, cachePath, body)

	return body, nil
}

// ReadDir lists a directory through the registry, handling the three
// synthetic virtualization levels (cwd, root node_modules, scope dir) before
// falling through to a normal package-relative listing. A nil slice with a
// nil error means "not applicable".
func (r *FS) ReadDir(ctx context.Context, preparedPath string) ([]DirEntry, error) {
	cwd := r.GetCwd()

	if isCwd(preparedPath, cwd) {
		return r.readCwdOverlay(ctx, preparedPath)
	}
	if isRootNodeModules(preparedPath, cwd) {
		r.ensureInitialized(ctx)
		return r.listRootNodeModules(ctx, preparedPath)
	}
	if scope, ok := isScopeDirectory(preparedPath, cwd); ok {
		r.ensureInitialized(ctx)
		return r.listScope(ctx, preparedPath, scope)
	}

	r.ensureInitialized(ctx)
	d, rel, ok := r.resolve(ctx, preparedPath)
	if !ok {
		return nil, nil
	}

	if r.wasFetched(preparedPath) {
		return r.physicalEntries(ctx, preparedPath)
	}

	entries, err := r.fetchFileList(ctx, d, rel)
	if err != nil {
		return nil, nil
	}

	out := translateEntries(entries, rel)
	r.markFetched(preparedPath)
	return out, nil
}

func (r *FS) readCwdOverlay(ctx context.Context, preparedPath string) ([]DirEntry, error) {
	physical, _ := r.physicalEntries(ctx, preparedPath)
	out := make([]DirEntry, 0, len(physical)+1)
	for _, e := range physical {
		if e.Name != "node_modules" {
			out = append(out, e)
		}
	}
	out = append(out, DirEntry{Name: "node_modules", Kind: store.EntryDirectory})
	return out, nil
}

func (r *FS) listRootNodeModules(ctx context.Context, preparedPath string) ([]DirEntry, error) {
	r.mu.RLock()
	names := make(map[string]struct{})
	for installPath := range r.descriptors {
		after, ok := strings.CutPrefix(installPath, "node_modules/")
		if !ok || strings.Contains(after, "node_modules") {
			continue
		}
		names[topLevelPackageName(after)] = struct{}{}
	}
	r.mu.RUnlock()

	physical, _ := r.physicalEntries(ctx, preparedPath)
	for _, e := range physical {
		names[e.Name] = struct{}{}
	}

	return namesToDirs(names), nil
}

func (r *FS) listScope(ctx context.Context, preparedPath, scope string) ([]DirEntry, error) {
	prefix := "node_modules/" + scope + "/"

	r.mu.RLock()
	names := make(map[string]struct{})
	for installPath := range r.descriptors {
		after, ok := strings.CutPrefix(installPath, prefix)
		if !ok || strings.Contains(after, "/") || strings.Contains(after, "node_modules") {
			continue
		}
		names[after] = struct{}{}
	}
	r.mu.RUnlock()

	physical, _ := r.physicalEntries(ctx, preparedPath)
	for _, e := range physical {
		names[e.Name] = struct{}{}
	}

	return namesToDirs(names), nil
}

func namesToDirs(names map[string]struct{}) []DirEntry {
	out := make([]DirEntry, 0, len(names))
	for name := range names {
		out = append(out, DirEntry{Name: name, Kind: store.EntryDirectory})
	}
	return out
}

func topLevelPackageName(after string) string {
	if strings.HasPrefix(after, "@") {
		parts := strings.SplitN(after, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return after
	}
	if idx := strings.Index(after, "/"); idx >= 0 {
		return after[:idx]
	}
	return after
}

func (r *FS) physicalEntries(ctx context.Context, dir string) ([]DirEntry, error) {
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

func (r *FS) fetchFileList(ctx context.Context, d descriptor, subpath string) ([]fileEntry, error) {
	metaPath := cacheMetaPath(d, subpath)
	if cached, err := r.fs.Read(ctx, metaPath); err == nil {
		var entries []fileEntry
		if jsonErr := json.Unmarshal(cached, &entries); jsonErr == nil {
			return entries, nil
		}
	}

	status, body, err := r.fetchResilient(ctx, d.registryBase, fileListURL(d, subpath))
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, errNonSuccessStatus
	}

	var parsed fileListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	if cacheJSON, err := json.Marshal(parsed.Files); err == nil {
		_ = r.fs.CreateDirAll(ctx, parentDir(metaPath))
		_ = r.fs.Write(ctx, metaPath, cacheJSON)
	}

	return parsed.Files, nil
}

func translateEntries(entries []fileEntry, subpath string) []DirEntry {
	out := make([]DirEntry, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		cleaned := strings.TrimPrefix(e.Path, "/")
		rel := cleaned
		if subpath != "" {
			rel = strings.TrimPrefix(cleaned, subpath+"/")
		}
		if strings.Contains(rel, "/") {
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true

		kind := store.EntryFile
		if e.Type == "directory" {
			kind = store.EntryDirectory
		}
		out = append(out, DirEntry{Name: rel, Kind: kind})
	}
	return out
}

func (r *FS) wasFetched(path string) bool {
	r.fetchedMu.Lock()
	defer r.fetchedMu.Unlock()
	_, ok := r.fetched[path]
	return ok
}

func (r *FS) markFetched(path string) {
	r.fetchedMu.Lock()
	defer r.fetchedMu.Unlock()
	r.fetched[path] = struct{}{}
	if len(r.fetched) > r.maxFetchedDirEntries {
		toRemove := len(r.fetched) - r.maxFetchedDirEntries/2
		for k := range r.fetched {
			if toRemove <= 0 {
				break
			}
			delete(r.fetched, k)
			toRemove--
		}
	}
}

func (r *FS) fetchResilient(ctx context.Context, registryBase, url string) (int, []byte, error) {
	breaker := r.breakers.GetBreaker(registryHost(registryBase))

	var status int
	var body []byte
	err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			s, b, err := r.fetcher.Get(ctx, url)
			if err != nil {
				return errors.NewError(errors.ErrCodeNetworkFailure, "registry fetch failed").
					WithComponent("registryfs").WithDetail("url", url).WithCause(err)
			}
			status, body = s, b
			return nil
		})
	})

	if r.health != nil {
		if stderr.Is(err, circuit.ErrOpenState) {
			r.health.RecordError("circuit", err)
		} else if breaker.GetState() == circuit.StateOpen {
			r.health.RecordError("circuit", err)
		} else {
			r.health.RecordSuccess("circuit")
		}

		if err != nil {
			r.health.RecordError("registryfs", err)
		} else {
			r.health.RecordSuccess("registryfs")
		}
	}

	return status, body, err
}

// ClearCache empties the in-memory descriptor and fetched-dirs caches
// without touching the on-disk /registry-fs content cache.
func (r *FS) ClearCache() {
	r.mu.Lock()
	r.descriptors = make(map[string]descriptor)
	r.mu.Unlock()

	r.fetchedMu.Lock()
	r.fetched = make(map[string]struct{})
	r.fetchedMu.Unlock()
}

// ClearAllRegistryCache removes the on-disk /registry-fs content cache in
// addition to the in-memory caches.
func (r *FS) ClearAllRegistryCache(ctx context.Context) error {
	r.ClearCache()
	return r.fs.RemoveDirAll(ctx, "/registry-fs")
}

// CacheStats reports the descriptor cache's occupancy (the metric the
// original implementation's debug endpoint exposed).
type CacheStats struct {
	DescriptorCount int
	FetchedDirCount int
}

func (r *FS) Stats() CacheStats {
	r.mu.RLock()
	descCount := len(r.descriptors)
	r.mu.RUnlock()

	r.fetchedMu.Lock()
	fetchedCount := len(r.fetched)
	r.fetchedMu.Unlock()

	return CacheStats{DescriptorCount: descCount, FetchedDirCount: fetchedCount}
}

func isCwd(path, cwd string) bool {
	return path == cwd || path == cwd+"/."
}

func isRootNodeModules(path, cwd string) bool {
	return path == joinCwd(cwd, "node_modules")
}

func isScopeDirectory(path, cwd string) (string, bool) {
	rel := relativeToCwd(path, cwd)
	after, ok := strings.CutPrefix(rel, "node_modules/")
	if !ok {
		return "", false
	}
	if strings.HasPrefix(after, "@") && !strings.Contains(after, "/") {
		return after, true
	}
	return "", false
}

func parentDir(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

func registryBaseFromResolved(resolved string) string {
	parts := strings.SplitN(resolved, "/", 4)
	if len(parts) < 3 {
		return "https://registry.npmjs.org"
	}
	return parts[0] + "//" + parts[2]
}

func registryHost(base string) string {
	rest := strings.TrimPrefix(base, "https://")
	rest = strings.TrimPrefix(rest, "http://")
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

func fileListURL(d descriptor, subpath string) string {
	seg := "/"
	if subpath != "" {
		seg = "/" + strings.Trim(subpath, "/") + "/"
	}
	return d.registryBase + "/" + d.name + "/" + d.version + "/files" + seg + "?meta"
}

func fileContentURL(d descriptor, relPath string) string {
	return d.registryBase + "/" + d.name + "/" + d.version + "/files/" + strings.TrimPrefix(relPath, "/")
}

func cacheFilePath(d descriptor, rel string) string {
	return "/registry-fs/" + registryHost(d.registryBase) + "/" + d.name + "/" + d.version + "/" + rel
}

func cacheMetaPath(d descriptor, subpath string) string {
	name := ".meta-root.json"
	if subpath != "" {
		name = ".meta-" + strings.ReplaceAll(subpath, "/", "-") + ".json"
	}
	return "/registry-fs/" + registryHost(d.registryBase) + "/" + d.name + "/" + d.version + "/" + name
}
