package lockfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLock = `{
  "name": "demo",
  "version": "1.0.0",
  "lockfileVersion": 3,
  "requires": true,
  "packages": {
    "": {"name": "demo", "version": "1.0.0"},
    "node_modules/is-number": {
      "version": "7.0.0",
      "resolved": "https://example/is-number/-/is-number-7.0.0.tgz",
      "integrity": "sha512-41Cifkg6e8TylSpdtTpeLVMqvSBEVzTttHvERD741+pnZ8ANv0004MRL43QKPDlK9cGvNp6NZWZUBlbGXYxxng=="
    },
    "node_modules/native-arm64": {
      "version": "1.0.0",
      "resolved": "https://example/native-arm64/-/native-arm64-1.0.0.tgz",
      "optional": true,
      "os": ["darwin"],
      "cpu": ["arm64"]
    }
  }
}`

func TestParseValidLockfile(t *testing.T) {
	lock, err := Parse([]byte(sampleLock))
	require.NoError(t, err)
	assert.Equal(t, "demo", lock.Name)
	assert.Len(t, lock.Packages, 3)

	root, ok := lock.Root()
	require.True(t, ok)
	assert.Equal(t, "demo", root.GetName(""))
}

func TestParseMalformedJSONIsHardError(t *testing.T) {
	_, err := Parse([]byte("{not json"))
	assert.Error(t, err)
}

func TestGetNameInfersFromInstallPath(t *testing.T) {
	lock, err := Parse([]byte(sampleLock))
	require.NoError(t, err)

	pkg := lock.Packages["node_modules/is-number"]
	assert.Equal(t, "is-number", pkg.GetName("node_modules/is-number"))
}

func TestGetVersionDefaultsToUnknown(t *testing.T) {
	pkg := &Package{}
	assert.Equal(t, "unknown", pkg.GetVersion())
}

func TestHasPlatformConstraint(t *testing.T) {
	lock, err := Parse([]byte(sampleLock))
	require.NoError(t, err)

	assert.True(t, lock.Packages["node_modules/native-arm64"].HasPlatformConstraint())
	assert.False(t, lock.Packages["node_modules/is-number"].HasPlatformConstraint())
}
