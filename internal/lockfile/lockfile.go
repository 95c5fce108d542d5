// Package lockfile parses package-lock.json into the logical package
// descriptors the installer and registry-fs subsystems consume.
package lockfile

import (
	"encoding/json"
	"strings"

	"github.com/utooland/opfs/internal/pathutil"
)

// Package is one entry in the lockfile's packages map, keyed by install
// path. Field names mirror the wire JSON.
type Package struct {
	Name                 *string           `json:"name,omitempty"`
	Version              *string           `json:"version,omitempty"`
	Resolved             *string           `json:"resolved,omitempty"`
	Integrity            *string           `json:"integrity,omitempty"`
	Shasum               *string           `json:"shasum,omitempty"`
	License              *string           `json:"license,omitempty"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	DevDependencies      map[string]string `json:"devDependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	Requires             map[string]string `json:"requires,omitempty"`
	Bin                  json.RawMessage   `json:"bin,omitempty"`
	Peer                 bool              `json:"peer,omitempty"`
	Dev                  bool              `json:"dev,omitempty"`
	Optional             bool              `json:"optional,omitempty"`
	HasInstallScript     bool              `json:"hasInstallScript,omitempty"`
	Workspaces           []string          `json:"workspaces,omitempty"`
	OS                   []string          `json:"os,omitempty"`
	CPU                  []string          `json:"cpu,omitempty"`
}

// GetName returns the package's name, falling back to inference from its
// install path when the lockfile entry omits it.
func (p *Package) GetName(installPath string) string {
	if p.Name != nil && *p.Name != "" {
		return *p.Name
	}
	if installPath == "" {
		return "root"
	}
	if name, ok := pathutil.GetPackageName("/" + installPath); ok {
		return name
	}
	parts := strings.Split(installPath, "/")
	return parts[len(parts)-1]
}

// GetVersion returns the package's version, or "unknown" if absent.
func (p *Package) GetVersion() string {
	if p.Version != nil {
		return *p.Version
	}
	return "unknown"
}

// HasPlatformConstraint reports whether this entry restricts the OS or CPU
// it may run on. An optional package with a platform constraint is always
// skipped in a sandboxed install.
func (p *Package) HasPlatformConstraint() bool {
	return len(p.OS) > 0 || len(p.CPU) > 0
}

// Lock is the parsed package-lock.json document.
type Lock struct {
	Name            string              `json:"name"`
	Version         string              `json:"version"`
	LockfileVersion int                 `json:"lockfileVersion"`
	Requires        bool                `json:"requires"`
	Packages        map[string]*Package `json:"packages"`
	Dependencies    json.RawMessage     `json:"dependencies,omitempty"`
}

// Parse parses a package-lock.json document. A JSON parse failure is a
// hard error.
func Parse(data []byte) (*Lock, error) {
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	if lock.Packages == nil {
		lock.Packages = make(map[string]*Package)
	}
	return &lock, nil
}

// Root returns the lockfile's root entry (install path "") if present.
func (l *Lock) Root() (*Package, bool) {
	root, ok := l.Packages[""]
	return root, ok
}
