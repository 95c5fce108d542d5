// Package tarcache implements an in-memory LRU cache that decompresses a
// gzip+tar archive once and serves file reads and directory listings from
// memory thereafter.
package tarcache

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/utooland/opfs/internal/store"
	"github.com/utooland/opfs/pkg/errors"
	"github.com/utooland/opfs/pkg/health"
)

// EntryKind distinguishes a synthesized directory-listing child.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
)

// DirEntry is one child of a synthesized directory listing.
type DirEntry struct {
	Name string
	Kind EntryKind
}

type tgzEntry struct {
	files        map[string][]byte
	totalSize    int64
	lastAccessed time.Time
}

// Cache is an LRU cache of decompressed archive contents, bounded by a
// total uncompressed-byte budget across all cached archives.
type Cache struct {
	fs     store.FS
	health *health.Tracker

	mu      sync.RWMutex
	entries map[string]*tgzEntry
	size    int64
	maxSize int64
}

// New returns a Cache backed by fs, bounded to maxSizeBytes of uncompressed
// content across all cached archives.
func New(fs store.FS, maxSizeBytes int64) *Cache {
	return &Cache{
		fs:      fs,
		entries: make(map[string]*tgzEntry),
		maxSize: maxSizeBytes,
	}
}

// WithHealth attaches a health tracker that records "tarcache" component
// health around every archive load. Recording is a no-op wherever h is
// nil, so attaching one is optional.
func (c *Cache) WithHealth(h *health.Tracker) *Cache {
	c.health = h
	return c
}

// stripFirstComponent removes the conventional npm "package/" top-level
// directory (or whatever the archive's single top component is) from a
// logical entry path.
func stripFirstComponent(p string) string {
	if idx := strings.Index(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

// ReadFile returns the bytes of entryPath inside the archive at
// archivePath, loading and caching the archive on first access.
func (c *Cache) ReadFile(ctx context.Context, archivePath, entryPath string) ([]byte, error) {
	normalized := stripFirstComponent(entryPath)

	if data, ok := c.lookup(archivePath, normalized); ok {
		return data, nil
	}

	fresh, err := c.ensureLoaded(ctx, archivePath)
	if err != nil {
		return nil, err
	}

	if data, ok := c.lookup(archivePath, normalized); ok {
		return data, nil
	}
	var files map[string][]byte
	if fresh != nil {
		if data, ok := fresh.files[normalized]; ok {
			return data, nil
		}
		files = fresh.files
	} else {
		c.mu.RLock()
		if entry, ok := c.entries[archivePath]; ok {
			files = entry.files
		}
		c.mu.RUnlock()
	}
	if isDirectoryPrefix(files, normalized) {
		return nil, errors.NewError(errors.ErrCodeIsADirectory, entryPath).WithComponent("tarcache")
	}

	return nil, errors.NewError(errors.ErrCodeNotFound, entryPath).WithComponent("tarcache")
}

// ReadDir synthesizes the immediate children of dirPath inside the archive
// at archivePath.
func (c *Cache) ReadDir(ctx context.Context, archivePath, dirPath string) ([]DirEntry, error) {
	normalized := stripFirstComponent(dirPath)

	if entries, ok := c.listDir(archivePath, normalized); ok {
		return entries, nil
	}

	fresh, err := c.ensureLoaded(ctx, archivePath)
	if err != nil {
		return nil, err
	}

	if entries, ok := c.listDir(archivePath, normalized); ok {
		return entries, nil
	}
	if fresh != nil {
		return synthesizeDir(fresh.files, normalized), nil
	}
	return nil, nil
}

func (c *Cache) lookup(archivePath, normalized string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[archivePath]
	if !ok {
		return nil, false
	}
	entry.lastAccessed = time.Now()
	data, ok := entry.files[normalized]
	return data, ok
}

func (c *Cache) listDir(archivePath, normalized string) ([]DirEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[archivePath]
	if !ok {
		return nil, false
	}
	entry.lastAccessed = time.Now()
	return synthesizeDir(entry.files, normalized), true
}

// ensureLoaded loads and decompresses the archive if it is not already
// cached, and returns the freshly decoded entry when it was not (or could
// not be) admitted to the cache, so the caller can still serve the request.
func (c *Cache) ensureLoaded(ctx context.Context, archivePath string) (*tgzEntry, error) {
	c.mu.RLock()
	_, cached := c.entries[archivePath]
	c.mu.RUnlock()
	if cached {
		return nil, nil
	}

	data, err := c.fs.Read(ctx, archivePath)
	if err != nil {
		if c.health != nil {
			c.health.RecordError("tarcache", err)
		}
		return nil, err
	}

	files, totalSize, err := decodeArchive(data)
	if err != nil {
		wrapped := errors.NewError(errors.ErrCodeIntegrityFailure, archivePath).
			WithComponent("tarcache").WithOperation("decode").WithCause(err)
		if c.health != nil {
			c.health.RecordError("tarcache", wrapped)
		}
		return nil, wrapped
	}
	if c.health != nil {
		c.health.RecordSuccess("tarcache")
	}
	fresh := &tgzEntry{files: files, totalSize: totalSize, lastAccessed: time.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, raced := c.entries[archivePath]; raced {
		// Another goroutine won the race; keep its copy, discard ours.
		return nil, nil
	}

	if !c.admit(archivePath, fresh) {
		return fresh, nil
	}
	return nil, nil
}

// admit evicts LRU entries until fresh fits the budget, then inserts it.
// Returns false if fresh alone exceeds the budget and cannot be cached.
func (c *Cache) admit(archivePath string, fresh *tgzEntry) bool {
	if fresh.totalSize > c.maxSize {
		return false
	}
	for c.size+fresh.totalSize > c.maxSize && len(c.entries) > 0 {
		c.evictOldestLocked()
	}
	c.entries[archivePath] = fresh
	c.size += fresh.totalSize
	return true
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastAccessed.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.lastAccessed, false
		}
	}
	if oldestKey != "" {
		c.size -= c.entries[oldestKey].totalSize
		delete(c.entries, oldestKey)
	}
}

// SetMaxSize adjusts the cache budget, evicting immediately if over budget.
func (c *Cache) SetMaxSize(maxSizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSizeBytes
	for c.size > c.maxSize && len(c.entries) > 0 {
		c.evictOldestLocked()
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*tgzEntry)
	c.size = 0
}

// Stats reports current occupancy.
type Stats struct {
	ArchiveCount int
	SizeBytes    int64
	MaxSizeBytes int64
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{ArchiveCount: len(c.entries), SizeBytes: c.size, MaxSizeBytes: c.maxSize}
}

func decodeArchive(data []byte) (map[string][]byte, int64, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := make(map[string][]byte)
	var total int64

	for {
		hdr, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, err
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		content := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, content); err != nil {
			return nil, 0, err
		}
		normalized := stripFirstComponent(hdr.Name)
		files[normalized] = content
		total += int64(len(content))
	}

	return files, total, nil
}

func isDirectoryPrefix(files map[string][]byte, normalized string) bool {
	dirPrefix := normalized + "/"
	for k := range files {
		if strings.HasPrefix(k, dirPrefix) {
			return true
		}
	}
	return false
}

func synthesizeDir(files map[string][]byte, normalizedDir string) []DirEntry {
	prefix := ""
	if normalizedDir != "" {
		prefix = normalizedDir + "/"
	}

	seen := make(map[string]EntryKind)
	for path := range files {
		rest, ok := stripPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			seen[rest[:idx]] = KindDirectory
		} else if _, exists := seen[rest]; !exists {
			seen[rest] = KindFile
		}
	}

	entries := make([]DirEntry, 0, len(seen))
	for name, kind := range seen {
		entries = append(entries, DirEntry{Name: name, Kind: kind})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func stripPrefix(path, prefix string) (string, bool) {
	if prefix == "" {
		return path, true
	}
	if strings.HasPrefix(path, prefix) {
		return path[len(prefix):], true
	}
	return "", false
}
