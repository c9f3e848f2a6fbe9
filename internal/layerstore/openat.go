package layerstore

import "golang.org/x/sys/unix"

// OpenatNofollow is a symlink-safe open(2) replacement: it refuses to
// resolve a symlink in any path component, since a malicious lower layer
// (or a hostile upper-layer client through a prior copy-up) must not be
// able to escape the layer root via a crafted symlink.
//
// On Linux it calls openat2(2) with RESOLVE_NO_SYMLINKS, which covers every
// path component. Elsewhere it falls back to openat(2) with O_NOFOLLOW,
// which only covers the final component.
func OpenatNofollow(dirfd int, path string, flags int, mode uint32) (fd int, err error) {
	return openatNofollow(dirfd, path, flags, mode)
}
