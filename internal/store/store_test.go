package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPackagePathsBasic(t *testing.T) {
	p := NewPackagePaths("is-number", "https://example/is-number/-/is-number-7.0.0.tgz")
	assert.Equal(t, "/stores/is-number/-/is-number-7.0.0.tgz", p.Archive)
	assert.Equal(t, "/stores/is-number/-/is-number-7.0.0.tgz-unpack", p.Unpack)
	assert.Equal(t, "/stores/is-number/-/is-number-7.0.0.tgz-unpack._resolved", p.Marker)
}

func TestNewPackagePathsScoped(t *testing.T) {
	p := NewPackagePaths("@babel/core", "https://example/@babel/core/-/core-7.0.0.tgz")
	assert.Equal(t, "/stores/@babel/core/-/core-7.0.0.tgz", p.Archive)
}

func TestNewPackagePathsFallbackFilename(t *testing.T) {
	p := NewPackagePaths("weird", "https://example/weird/-/")
	assert.Equal(t, "/stores/weird/-/package.tgz", p.Archive)
}

func TestNewPackagePathsEmptyURL(t *testing.T) {
	p := NewPackagePaths("weird", "")
	assert.Equal(t, "/stores/weird/-/package.tgz", p.Archive)
}
