package layerstore

import (
	"golang.org/x/sys/unix"

	"github.com/jiafengjason/fuse-overlayfs/internal/fallocate"
)

// The methods in this file implement Upper; they are only ever called
// against the single writable layer (index 0 in a configured stack), never
// against a read-only lower layer.

func (l *posixLayer) Mkdirat(name string, mode uint32) error {
	return unix.Mkdirat(l.rootFd, name, mode)
}

func (l *posixLayer) Linkat(oldName, newName string) error {
	return unix.Linkat(l.rootFd, oldName, l.rootFd, newName, 0)
}

func (l *posixLayer) Symlinkat(target, newName string) error {
	return unix.Symlinkat(target, l.rootFd, newName)
}

func (l *posixLayer) Mknodat(name string, mode uint32, dev int) error {
	return unix.Mknodat(l.rootFd, name, mode, dev)
}

func (l *posixLayer) Renameat2(oldName, newName string, flags uint) error {
	return unix.Renameat2(l.rootFd, oldName, l.rootFd, newName, flags)
}

func (l *posixLayer) Unlinkat(name string, dirFlag int) error {
	return unix.Unlinkat(l.rootFd, name, dirFlag)
}

func (l *posixLayer) Setxattr(name, attr string, data []byte, flags int) error {
	return unix.Lsetxattr(l.absPath(name), attr, data, flags)
}

func (l *posixLayer) Removexattr(name, attr string) error {
	return unix.Lremovexattr(l.absPath(name), attr)
}

func (l *posixLayer) Fallocate(fd int, mode uint32, off, length int64) error {
	return fallocate.Fallocate(fd, mode, off, length)
}

func (l *posixLayer) Ftruncate(fd int, size int64) error {
	return unix.Ftruncate(fd, size)
}

func (l *posixLayer) Utimensat(name string, atime, mtime unix.Timespec) error {
	ts := [2]unix.Timespec{atime, mtime}
	return unix.UtimesNanoAt(l.rootFd, name, ts[:], unix.AT_SYMLINK_NOFOLLOW)
}

// Chmodat is used only when xattr_permissions is off, the one case
// where setattr must reach the real on-disk mode instead of the
// override-stat xattr (§4.B). fchmodat has no AT_SYMLINK_NOFOLLOW
// support on Linux for non-symlinks, matching chmod(2) semantics.
func (l *posixLayer) Chmodat(name string, mode uint32) error {
	return unix.Fchmodat(l.rootFd, name, mode, 0)
}

func (l *posixLayer) Chownat(name string, uid, gid int) error {
	return unix.Fchownat(l.rootFd, name, uid, gid, unix.AT_SYMLINK_NOFOLLOW)
}

// CanMknod probes, once, whether mknod(2) for character devices succeeds in
// this layer's directory. Some filesystems (notably overlayfs-on-overlayfs
// or certain container storage drivers) reject mknod entirely, in which case
// the whiteout strategy of internal/whiteout must fall back to the
// ".wh.NAME" sentinel-file encoding instead of the char-device (0,0) form
// (§4.E, §9).
func (l *posixLayer) CanMknod() bool {
	l.mknodOnce.Do(func() {
		const probeName = ".fuse-overlayfs-mknod-probe"
		unix.Unlinkat(l.rootFd, probeName, 0)
		err := unix.Mknodat(l.rootFd, probeName, unix.S_IFCHR|0600, 0)
		if err == nil {
			l.canMknod = true
			unix.Unlinkat(l.rootFd, probeName, 0)
		}
	})
	return l.canMknod
}
