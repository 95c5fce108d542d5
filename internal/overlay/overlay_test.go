package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utooland/opfs/internal/circuit"
	"github.com/utooland/opfs/internal/fuselink"
	"github.com/utooland/opfs/internal/installer"
	"github.com/utooland/opfs/internal/lockfile"
	"github.com/utooland/opfs/internal/metrics"
	"github.com/utooland/opfs/internal/pack"
	"github.com/utooland/opfs/internal/registryfs"
	"github.com/utooland/opfs/internal/store"
	"github.com/utooland/opfs/internal/tarcache"
	"github.com/utooland/opfs/pkg/api"
	"github.com/utooland/opfs/pkg/health"
	"github.com/utooland/opfs/pkg/retry"
	"github.com/utooland/opfs/pkg/status"
)

type fakeInstallFetcher struct {
	bytes map[string][]byte
}

func (f *fakeInstallFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	data, ok := f.bytes[url]
	if !ok {
		return nil, fmt.Errorf("no fixture for %s", url)
	}
	return data, nil
}

type fakeRegistryFetcher struct {
	resp map[string]fakeResp
}

type fakeResp struct {
	status int
	body   []byte
}

func (f *fakeRegistryFetcher) Get(ctx context.Context, url string) (int, []byte, error) {
	r, ok := f.resp[url]
	if !ok {
		return 404, nil, nil
	}
	return r.status, r.body, nil
}

func archive(t *testing.T) []byte {
	t.Helper()
	data, err := pack.Gzip([]pack.PackFile{
		{Path: "package/package.json", Content: []byte(`{"name":"left-pad","version":"1.0.0"}`)},
		{Path: "package/index.js", Content: []byte("module.exports = leftPad;")},
	})
	require.NoError(t, err)
	return data
}

func newTestOverlay(t *testing.T, installFetcher installer.Fetcher, registryFetcher registryfs.Fetcher) (*FS, store.FS) {
	t.Helper()
	disk, err := store.NewDiskFS(t.TempDir())
	require.NoError(t, err)

	tar := tarcache.New(disk, 100*1024*1024)
	fuse := fuselink.New(disk, tar)
	inst := installer.New(disk, fuse, installFetcher)

	var reg *registryfs.FS
	if registryFetcher != nil {
		reg = registryfs.New(disk, registryFetcher, retry.New(retry.DefaultConfig()), circuit.NewManager(circuit.Config{}))
	}

	o := New(disk, reg, fuse, tar, inst)
	return o, disk
}

func writeLock(t *testing.T, fs store.FS, path string, doc map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, fs.Write(context.Background(), path, data))
}

func TestInstallThenReadGoesThroughFuseLinkLayer(t *testing.T) {
	url := "https://registry.npmjs.org/left-pad/-/left-pad-1.0.0.tgz"
	o, _ := newTestOverlay(t, &fakeInstallFetcher{bytes: map[string][]byte{url: archive(t)}}, nil)
	ctx := context.Background()
	o.SetCwd("/project")

	lock, err := lockfile.Parse([]byte(fmt.Sprintf(`{
		"name": "demo", "version": "1.0.0", "lockfileVersion": 3,
		"packages": {
			"": {"name": "demo", "version": "1.0.0"},
			"node_modules/left-pad": {"name": "left-pad", "version": "1.0.0", "resolved": %q}
		}
	}`, url)))
	require.NoError(t, err)

	result, err := o.Install(ctx, lock, installer.Options{Mode: installer.Eager, MaxConcurrent: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Downloads)

	data, err := o.Read(ctx, "/project/node_modules/left-pad/index.js")
	require.NoError(t, err)
	assert.Equal(t, "module.exports = leftPad;", string(data))
}

func TestReadPrefersRegistryFSOverFuseLink(t *testing.T) {
	installURL := "https://registry.npmjs.org/left-pad/-/left-pad-1.0.0.tgz"
	listURL := "https://registry.npmjs.org/left-pad/1.0.0/files/index.js"

	registryFetcher := &fakeRegistryFetcher{resp: map[string]fakeResp{
		listURL: {status: 200, body: []byte("from-registry")},
	}}
	o, fs := newTestOverlay(t, &fakeInstallFetcher{bytes: map[string][]byte{installURL: archive(t)}}, registryFetcher)
	ctx := context.Background()
	o.SetCwd("/project")

	lock, err := lockfile.Parse([]byte(fmt.Sprintf(`{
		"name": "demo", "version": "1.0.0", "lockfileVersion": 3,
		"packages": {
			"": {"name": "demo", "version": "1.0.0"},
			"node_modules/left-pad": {"name": "left-pad", "version": "1.0.0", "resolved": %q}
		}
	}`, installURL)))
	require.NoError(t, err)

	_, err = o.Install(ctx, lock, installer.Options{Mode: installer.Eager, MaxConcurrent: 5})
	require.NoError(t, err)

	// Both registry-fs and fuse-link could answer this read; registry-fs
	// must win since it is tried first.
	writeLock(t, fs, "/project/package-lock.json", map[string]interface{}{
		"name": "demo", "version": "1.0.0", "lockfileVersion": 3,
		"packages": map[string]interface{}{
			"":                      map[string]interface{}{},
			"node_modules/left-pad": map[string]interface{}{"name": "left-pad", "version": "1.0.0", "resolved": installURL},
		},
	})
	require.NoError(t, o.InitRegistryFS(ctx, "/project/package-lock.json"))

	data, err := o.Read(ctx, "/project/node_modules/left-pad/index.js")
	require.NoError(t, err)
	assert.Equal(t, "from-registry", string(data))
}

func TestReadFallsThroughToDirectStorage(t *testing.T) {
	o, fs := newTestOverlay(t, &fakeInstallFetcher{}, nil)
	ctx := context.Background()
	o.SetCwd("/project")

	require.NoError(t, fs.Write(ctx, "/project/README.md", []byte("docs")))

	data, err := o.Read(ctx, "/project/README.md")
	require.NoError(t, err)
	assert.Equal(t, "docs", string(data))
}

func TestReadDirNodeModulesListsLazilyInstalledPackage(t *testing.T) {
	url := "https://registry.npmjs.org/left-pad/-/left-pad-1.0.0.tgz"
	o, _ := newTestOverlay(t, &fakeInstallFetcher{bytes: map[string][]byte{url: archive(t)}}, nil)
	ctx := context.Background()
	o.SetCwd("/project")

	lock, err := lockfile.Parse([]byte(fmt.Sprintf(`{
		"name": "demo", "version": "1.0.0", "lockfileVersion": 3,
		"packages": {
			"": {"name": "demo", "version": "1.0.0"},
			"node_modules/left-pad": {"name": "left-pad", "version": "1.0.0", "resolved": %q}
		}
	}`, url)))
	require.NoError(t, err)

	_, err = o.Install(ctx, lock, installer.Options{Mode: installer.Lazy, MaxConcurrent: 5})
	require.NoError(t, err)

	entries, err := o.ReadDir(ctx, "/project/node_modules")
	require.NoError(t, err)

	names := map[string]store.EntryType{}
	for _, e := range entries {
		names[e.Name] = e.Type
	}
	assert.Equal(t, store.EntryDirectory, names["left-pad"])
}

func TestMutatorsBypassAllThreeLayers(t *testing.T) {
	o, fs := newTestOverlay(t, &fakeInstallFetcher{}, nil)
	ctx := context.Background()
	o.SetCwd("/project")

	require.NoError(t, o.CreateDirAll(ctx, "node_modules/left-pad"))
	require.NoError(t, o.Write(ctx, "node_modules/left-pad/fuse.link", []byte("/somewhere-else\n")))

	// A direct write to a path a sentinel would otherwise redirect must
	// land exactly where asked: mutators never consult fuse-link.
	data, err := fs.Read(ctx, "/project/node_modules/left-pad/fuse.link")
	require.NoError(t, err)
	assert.Equal(t, "/somewhere-else\n", string(data))

	meta, err := o.Metadata(ctx, "node_modules/left-pad")
	require.NoError(t, err)
	assert.True(t, meta.IsDir)

	require.NoError(t, o.RemoveDirAll(ctx, "node_modules/left-pad"))
	_, err = o.Metadata(ctx, "node_modules/left-pad")
	assert.Error(t, err)
}

func TestCacheAdministration(t *testing.T) {
	url := "https://registry.npmjs.org/left-pad/-/left-pad-1.0.0.tgz"
	registryFetcher := &fakeRegistryFetcher{resp: map[string]fakeResp{}}
	o, _ := newTestOverlay(t, &fakeInstallFetcher{bytes: map[string][]byte{url: archive(t)}}, registryFetcher)
	ctx := context.Background()
	o.SetCwd("/project")

	lock, err := lockfile.Parse([]byte(fmt.Sprintf(`{
		"name": "demo", "version": "1.0.0", "lockfileVersion": 3,
		"packages": {
			"": {"name": "demo", "version": "1.0.0"},
			"node_modules/left-pad": {"name": "left-pad", "version": "1.0.0", "resolved": %q}
		}
	}`, url)))
	require.NoError(t, err)

	_, err = o.Install(ctx, lock, installer.Options{Mode: installer.Eager, MaxConcurrent: 5})
	require.NoError(t, err)

	_, err = o.Read(ctx, "/project/node_modules/left-pad/index.js")
	require.NoError(t, err)

	fuseStats := o.FuseCacheStats()
	assert.True(t, fuseStats.Entries > 0)
	o.ClearFuseCache()
	assert.Equal(t, 0, o.FuseCacheStats().Entries)

	tarStats := o.TarCacheStats()
	assert.True(t, tarStats.ArchiveCount > 0)

	require.NoError(t, o.InitRegistryFS(ctx, "/project/package-lock.json"))
	regStats := o.RegistryCacheStats()
	assert.True(t, regStats.DescriptorCount > 0)

	o.ClearRegistryCache()
	assert.Equal(t, 0, o.RegistryCacheStats().DescriptorCount)
}

func TestOverlayWithoutRegistryFSSkipsThatLayer(t *testing.T) {
	o, fs := newTestOverlay(t, &fakeInstallFetcher{}, nil)
	ctx := context.Background()
	o.SetCwd("/project")

	require.NoError(t, o.InitRegistryFS(ctx, "/project/package-lock.json"))
	assert.Equal(t, registryfs.CacheStats{}, o.RegistryCacheStats())
	assert.NoError(t, o.ClearAllRegistryCache(ctx))

	require.NoError(t, fs.Write(ctx, "/project/a.txt", []byte("x")))
	data, err := o.Read(ctx, "/project/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestWithMetricsRecordsOperationsAndCacheSizes(t *testing.T) {
	o, fs := newTestOverlay(t, &fakeInstallFetcher{}, nil)
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "opfs_test"})
	require.NoError(t, err)
	o.WithMetrics(collector)

	ctx := context.Background()
	o.SetCwd("/project")

	require.NoError(t, fs.Write(ctx, "/project/a.txt", []byte("x")))

	// Exercises RecordOperation/RecordCacheMiss (registry/fuse-link decline,
	// direct storage answers) without panicking on a nil metrics field.
	data, err := o.Read(ctx, "/project/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	entries, err := o.ReadDir(ctx, "/project")
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	all := collector.GetMetrics()
	ops := all["operations"].(map[string]*metrics.OperationMetrics)
	assert.True(t, ops["read"].Count > 0)
	assert.True(t, ops["read_dir"].Count > 0)

	// Must not panic: pushes tar/fuse-link/registry-fs occupancy into the
	// collector's size gauges.
	o.ReportCacheSizes()
}

func TestOverlayWithoutMetricsSkipsRecording(t *testing.T) {
	o, fs := newTestOverlay(t, &fakeInstallFetcher{}, nil)
	ctx := context.Background()
	o.SetCwd("/project")

	require.NoError(t, fs.Write(ctx, "/project/a.txt", []byte("x")))
	_, err := o.Read(ctx, "/project/a.txt")
	require.NoError(t, err)

	// No collector attached: ReportCacheSizes and the Read above must not
	// panic on the nil metrics field.
	o.ReportCacheSizes()
}

func TestWithHealthRegistersComponentsAndRecordsStoreOutcomes(t *testing.T) {
	url := "https://registry.npmjs.org/left-pad/-/left-pad-1.0.0.tgz"
	o, fs := newTestOverlay(t, &fakeInstallFetcher{bytes: map[string][]byte{url: archive(t)}}, nil)
	ht := health.NewTracker(health.DefaultConfig())
	o.WithHealth(ht)

	for _, component := range []string{"store", "registryfs", "tarcache", "circuit"} {
		assert.Equal(t, health.StateHealthy, ht.GetState(component))
	}

	ctx := context.Background()
	o.SetCwd("/project")

	require.NoError(t, fs.Write(ctx, "/project/a.txt", []byte("x")))
	data, err := o.Read(ctx, "/project/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	comp, err := ht.GetComponentHealth("store")
	require.NoError(t, err)
	assert.Equal(t, health.StateHealthy, comp.State)
}

func TestWithStatusReportsInstallProgress(t *testing.T) {
	url := "https://registry.npmjs.org/left-pad/-/left-pad-1.0.0.tgz"
	o, _ := newTestOverlay(t, &fakeInstallFetcher{bytes: map[string][]byte{url: archive(t)}}, nil)
	st := status.NewTracker(status.DefaultTrackerConfig())
	o.WithStatus(st)

	ctx := context.Background()
	o.SetCwd("/project")

	lock, err := lockfile.Parse([]byte(fmt.Sprintf(`{
		"name": "demo", "version": "1.0.0", "lockfileVersion": 3,
		"packages": {
			"": {"name": "demo", "version": "1.0.0"},
			"node_modules/left-pad": {"name": "left-pad", "version": "1.0.0", "resolved": %q}
		}
	}`, url)))
	require.NoError(t, err)

	_, err = o.Install(ctx, lock, installer.Options{Mode: installer.Eager, MaxConcurrent: 5})
	require.NoError(t, err)

	history := st.GetHistory(10)
	require.NotEmpty(t, history)
	assert.Equal(t, "install-packages", history[0].Type)
	assert.Equal(t, status.StatusCompleted, history[0].Status)
}

func TestAdminServerWiresAttachedCollaborators(t *testing.T) {
	o, _ := newTestOverlay(t, &fakeInstallFetcher{}, nil)
	o.WithStatus(status.NewTracker(status.DefaultTrackerConfig()))
	o.WithHealth(health.NewTracker(health.DefaultConfig()))
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "opfs_admin_test"})
	require.NoError(t, err)
	o.WithMetrics(collector)

	cfg := api.DefaultServerConfig()
	cfg.EnableMetrics = true
	srv := o.AdminServer(cfg)
	require.NotNil(t, srv)
}
