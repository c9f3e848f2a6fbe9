package overlay

import (
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jiafengjason/fuse-overlayfs/internal/idmap"
	"github.com/jiafengjason/fuse-overlayfs/internal/layerstore"
)

// fillAttr translates a layerstore.Stat into a fuse.Attr, applying the
// id-mapping (host→container, §4.B) and, when xattr_permissions is
// enabled, substituting the uid/gid/mode triple recorded in the
// override-stat xattr for the raw values the backing filesystem reports.
func (n *overlayNode) fillAttr(out *fuse.Attr, st layerstore.Stat) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Blocks = uint64((st.Size + 511) / 512)
	out.Atime = uint64(st.Atime.Sec)
	out.Atimensec = uint32(st.Atime.Nsec)
	out.Mtime = uint64(st.Mtime.Sec)
	out.Mtimensec = uint32(st.Mtime.Nsec)
	out.Ctime = uint64(st.Ctime.Sec)
	out.Ctimensec = uint32(st.Ctime.Nsec)
	out.Mode = st.Mode
	out.Nlink = st.Nlink
	out.Rdev = uint32(st.Rdev)
	out.Blksize = 4096

	uid, gid, mode := st.UID, st.GID, st.Mode

	if n.root.xattrPermissions != XattrPermissionsOff {
		if ov, ok := n.readOverrideStat(); ok {
			uid, gid, mode = ov.UID, ov.GID, ov.Mode
		}
	}

	out.Uid = n.root.idmap.HostToContainerUID(uid)
	out.Gid = n.root.idmap.HostToContainerGID(gid)
	out.Mode = mode

	if n.root.staticNlink && out.Mode&unix_S_IFMT == unix_S_IFDIR {
		out.Nlink = 1
	}
}

const (
	unix_S_IFMT  = 0170000
	unix_S_IFDIR = 0040000
	unix_S_IFLNK = 0120000
	unix_S_IFREG = 0100000
)

// readOverrideStat looks up this node's permission-override xattr, per
// §4.B: the unprivileged name when xattrPermissions is
// XattrPermissionsUnprivileged, the trusted name otherwise.
func (n *overlayNode) readOverrideStat() (idmap.OverrideStat, bool) {
	name := overrideStatXattrTrusted
	if n.root.xattrPermissions == XattrPermissionsUnprivileged {
		name = overrideStatXattrUser
	}
	v, err := n.layer().Getxattr(n.path(), name)
	if err != nil {
		return idmap.OverrideStat{}, false
	}
	ov, err := idmap.DecodeOverrideStat(v)
	if err != nil {
		return idmap.OverrideStat{}, false
	}
	return ov, true
}

// writeOverrideStat persists uid/gid/mode into the upper layer's
// permission-override xattr instead of the underlying file's real
// metadata (§4.B "Chown/chmod update the attribute instead of the
// underlying file").
func (n *overlayNode) writeOverrideStat(upper layerstore.Upper, uid, gid, mode uint32) error {
	name := overrideStatXattrTrusted
	if n.root.xattrPermissions == XattrPermissionsUnprivileged {
		name = overrideStatXattrUser
	}
	ov := idmap.OverrideStat{UID: uid, GID: gid, Mode: mode}
	return upper.Setxattr(n.path(), name, ov.Encode(), 0)
}
