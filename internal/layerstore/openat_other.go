//go:build !linux

package layerstore

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// TODO: this only blocks a symlink in the final path component; see
// https://github.com/rfjakob/gocryptfs/issues/165 for the reasoning behind
// why openat2's whole-path guarantee can't be emulated here.
func openatNofollow(dirfd int, path string, flags int, mode uint32) (fd int, err error) {
	flags |= syscall.O_CLOEXEC | syscall.O_NOFOLLOW
	return unix.Openat(dirfd, path, flags, mode)
}
