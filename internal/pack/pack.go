// Package pack builds gzip+ustar-tar archives and verifies content hashes.
// It is not on the install/read path; the installer calls
// VerifyIntegrity directly and the tar builder exists for callers that need
// to produce archives, e.g. tests and tooling around the overlay.
package pack

import (
	"archive/tar"
	"bytes"
	"crypto/md5" //nolint:gosec // fingerprinting only, not a security boundary
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// SigMD5 returns a hex-encoded MD5 fingerprint of content.
func SigMD5(content []byte) string {
	sum := md5.Sum(content) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity checks fileBytes against an npm-style integrity string
// (sha512-BASE64) or a legacy shasum (hex SHA-1). integrity takes priority
// when present; if neither is present, verification cannot succeed and the
// result is false — an unverifiable archive is never silently accepted.
func VerifyIntegrity(fileBytes []byte, integrity, shasum string) bool {
	if hashPart, ok := strings.CutPrefix(integrity, "sha512-"); ok {
		sum := sha512.Sum512(fileBytes)
		calculated := base64.StdEncoding.EncodeToString(sum[:])
		return calculated == hashPart
	}

	if shasum != "" {
		sum := sha1.Sum(fileBytes) //nolint:gosec // legacy npm shasum format
		calculated := hex.EncodeToString(sum[:])
		return calculated == shasum
	}

	return false
}

// PackFile is one file entry for an archive under construction.
type PackFile struct {
	Path    string
	Content []byte
}

// Gzip builds a gzip-compressed ustar tar archive from files, in the order
// given.
func Gzip(files []PackFile) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	now := time.Now()
	for _, f := range files {
		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     f.Path,
			Size:     int64(len(f.Content)),
			Mode:     0o644,
			Uid:      1000,
			Gid:      1000,
			ModTime:  now,
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("pack: write header for %q: %w", f.Path, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("pack: write content for %q: %w", f.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("pack: close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("pack: close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}
