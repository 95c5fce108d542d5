// Package extract unpacks a gzip+tar archive into the store's content tree:
// detecting the archive's single top-level prefix and writing each file
// entry's bytes to its prefix-stripped path under a destination directory.
package extract

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/utooland/opfs/internal/store"
	"github.com/utooland/opfs/pkg/errors"
)

type entry struct {
	path    string
	isFile  bool
	content []byte
}

// ToDir decompresses archiveBytes and writes every file entry to destDir,
// stripping the archive's detected prefix from each entry path. Failure
// partway through leaves destDir partially populated; callers must not treat
// a failed extraction as complete.
func ToDir(ctx context.Context, fs store.FS, archiveBytes []byte, destDir string) error {
	entries, err := readEntries(archiveBytes)
	if err != nil {
		return errors.NewError(errors.ErrCodeIntegrityFailure, "malformed archive").
			WithComponent("extract").WithOperation("ToDir").WithCause(err)
	}

	prefix := detectPrefix(entries)

	for _, e := range entries {
		if !e.isFile {
			continue
		}
		stripped, skip := stripPrefix(e.path, prefix)
		if skip {
			continue
		}
		if err := fs.Write(ctx, destDir+"/"+stripped, e.content); err != nil {
			return errors.NewError(errors.ErrCodeStorageFailure, "write extracted file").
				WithComponent("extract").WithOperation("ToDir").WithDetail("path", stripped).WithCause(err)
		}
	}

	return nil
}

func readEntries(archiveBytes []byte) ([]entry, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archiveBytes))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var entries []entry

	for {
		hdr, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		name := strings.TrimSuffix(hdr.Name, "/")
		if hdr.Typeflag == tar.TypeDir {
			entries = append(entries, entry{path: name, isFile: false})
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		content := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, content); err != nil {
			return nil, err
		}
		entries = append(entries, entry{path: name, isFile: true, content: content})
	}

	return entries, nil
}

// detectPrefix applies the five-step rule: an exact
// "package/package.json" wins outright; a root "package.json" means no
// prefix; otherwise the shortest "*/package.json" whose directory component
// has no further "/" sets the prefix; otherwise any "package/"-rooted entry
// falls back to prefix "package"; otherwise there is no prefix.
func detectPrefix(entries []entry) string {
	var hasRootPackageJSON bool
	var hasPackagePrefixEntry bool
	var shortestPrefix string
	haveShortest := false

	for _, e := range entries {
		if e.path == "package/package.json" {
			return "package"
		}
		if e.path == "package.json" {
			hasRootPackageJSON = true
		}
		if strings.HasPrefix(e.path, "package/") {
			hasPackagePrefixEntry = true
		}
		if strings.HasSuffix(e.path, "/package.json") {
			dir := strings.TrimSuffix(e.path, "/package.json")
			if dir != "" && !strings.Contains(dir, "/") {
				if !haveShortest || len(dir) < len(shortestPrefix) {
					shortestPrefix = dir
					haveShortest = true
				}
			}
		}
	}

	if hasRootPackageJSON {
		return ""
	}
	if haveShortest {
		return shortestPrefix
	}
	if hasPackagePrefixEntry {
		return "package"
	}
	return ""
}

// stripPrefix removes "<prefix>/" from p. skip is true when p names the
// prefix directory itself (a pure directory marker, nothing to write).
func stripPrefix(p, prefix string) (stripped string, skip bool) {
	if prefix == "" {
		return p, false
	}
	if p == prefix {
		return "", true
	}
	if rest, ok := strings.CutPrefix(p, prefix+"/"); ok {
		return rest, false
	}
	return p, false
}
