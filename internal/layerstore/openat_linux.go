package layerstore

import "golang.org/x/sys/unix"

func openatNofollow(dirfd int, path string, flags int, mode uint32) (fd int, err error) {
	how := unix.OpenHow{
		// Leaking fds to a forked mount helper would defeat O_CLOEXEC's purpose.
		Flags:   uint64(flags) | unix.O_CLOEXEC,
		Mode:    uint64(mode),
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	}
	return unix.Openat2(dirfd, path, &how)
}
