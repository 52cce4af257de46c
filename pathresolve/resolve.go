// Package pathresolve classifies an incoming path as virtual (served by
// the cache engine) or host (pass-through), mirroring the is_remote_file
// logic of the original shim.
package pathresolve

import (
	"path/filepath"
	"strings"
)

// Resolver canonicalizes paths against a configured engine mountpoint.
type Resolver struct {
	// mountpoint is the canonical, symlink-resolved engine mountpoint
	// that triggers virtualization.
	mountpoint string
}

// NewResolver canonicalizes mountpoint once at construction time. An error
// here is fatal at process init (configuration error).
func NewResolver(mountpoint string) (*Resolver, error) {
	abs, err := filepath.Abs(mountpoint)
	if err != nil {
		return nil, err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Resolver{mountpoint: filepath.Clean(real)}, nil
}

// Resolve canonicalizes path against the host filesystem view and, if it
// falls under the engine mountpoint, returns the virtual path (always
// absolute, leading "/") and ok=true. Otherwise it returns the original
// path unchanged and ok=false, signalling pass-through. A path that fails
// canonicalization (e.g. it does not exist yet, as with a path the host
// is about to create) also returns ok=false — pass-through is always safe
// for a read-only virtual tree.
func (r *Resolver) Resolve(path string) (virtual string, ok bool) {
	if path == "" {
		return path, false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, false
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return path, false
	}
	if !strings.HasPrefix(real, r.mountpoint) {
		return path, false
	}
	rest := real[len(r.mountpoint):]
	if rest != "" && rest[0] != filepath.Separator {
		return path, false
	}
	if rest == "" {
		return "/", true
	}
	return filepath.ToSlash(rest), true
}

// Mountpoint returns the canonicalized engine mountpoint.
func (r *Resolver) Mountpoint() string { return r.mountpoint }
