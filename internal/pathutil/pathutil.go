// Package pathutil normalizes overlay paths and locates the fuse-link
// sentinel and package identity for any path inside a node_modules tree.
//
// Paths throughout the overlay are virtual, slash-separated POSIX paths
// (not host filesystem paths), so this package splits and joins them as
// plain strings rather than through "path/filepath".
package pathutil

import (
	"strings"
)

const nodeModules = "node_modules"

// PreparePath resolves p against cwd. An absolute path (leading "/") is
// returned unchanged; a relative path is joined onto cwd. Joining also
// collapses a leading "./" and any "." / ".." segments via path.Clean
// semantics, applied manually to preserve a leading "/".
func PreparePath(cwd, p string) string {
	if strings.HasPrefix(p, "/") {
		return cleanAbs(p)
	}
	if cwd == "" {
		return cleanAbs("/" + p)
	}
	return cleanAbs(joinPaths(cwd, p))
}

func joinPaths(a, b string) string {
	a = strings.TrimSuffix(a, "/")
	b = strings.TrimPrefix(b, "./")
	if b == "" {
		return a
	}
	return a + "/" + b
}

// cleanAbs normalizes an absolute slash path, resolving "." and ".."
// segments without escaping above root.
func cleanAbs(p string) string {
	parts := strings.Split(p, "/")
	var out []string
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, part)
		}
	}
	return "/" + strings.Join(out, "/")
}

// GetPackageName extracts the package identity from a path whose ancestry
// contains a literal "node_modules" component. For a scoped package
// ("@scope/name") both segments are returned joined; for a scope directory
// alone ("@scope" with no following segment), or when node_modules is
// absent or trailing, it returns false.
func GetPackageName(p string) (string, bool) {
	comps := splitNonEmpty(p)
	idx := indexOf(comps, nodeModules)
	if idx < 0 || idx+1 >= len(comps) {
		return "", false
	}

	first := comps[idx+1]
	if strings.HasPrefix(first, "@") {
		if idx+2 >= len(comps) {
			return "", false
		}
		return first + "/" + comps[idx+2], true
	}
	return first, true
}

// FindFuseLink walks p's ancestry looking for the innermost enclosing
// package directory directly under a "node_modules" component, and returns
// the path of that package's fuse.link sentinel. It returns false when no
// such ancestry exists (including when p names a scope directory with no
// package segment, e.g. "node_modules/@scope").
//
// This mirrors a two-component sliding window over path ancestors: at each
// step the newest component seen is checked against the parent directory's
// own name; "node_modules" as the parent name triggers the resolution
// below, using the newest component as the candidate package-dir segment
// and the previous newest (one level more nested) as its immediate child.
func FindFuseLink(p string) (string, bool) {
	comps := splitNonEmpty(p)
	if len(comps) == 0 {
		return "", false
	}

	var newest, older string
	// current spans comps[0:end]; iterate end downward, i.e. walk ancestry
	// from the full path up to the root, one component shorter each step.
	for end := len(comps); end >= 1; end-- {
		name := comps[end-1]
		parentComps := comps[:end-1]
		older = newest
		newest = name

		if len(parentComps) == 0 {
			continue
		}
		parentName := parentComps[len(parentComps)-1]
		if parentName != nodeModules {
			continue
		}

		if newest == "" {
			continue
		}
		if older == "" {
			if !strings.HasPrefix(newest, "@") {
				return joinComps(append(append([]string{}, parentComps...), newest, "fuse.link")), true
			}
			// scope directory alone: keep walking upward
			continue
		}

		if strings.HasPrefix(newest, "@") {
			return joinComps(append(append([]string{}, parentComps...), newest, older, "fuse.link")), true
		}
		return joinComps(append(append([]string{}, parentComps...), newest, "fuse.link")), true
	}

	return "", false
}

func splitNonEmpty(p string) []string {
	raw := strings.Split(p, "/")
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c == "" || c == "." {
			continue
		}
		out = append(out, c)
	}
	return out
}

func joinComps(comps []string) string {
	return "/" + strings.Join(comps, "/")
}

func indexOf(comps []string, target string) int {
	for i, c := range comps {
		if c == target {
			return i
		}
	}
	return -1
}
