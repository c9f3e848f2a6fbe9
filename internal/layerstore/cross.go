package layerstore

import "golang.org/x/sys/unix"

// RenameAcross moves srcName from src into dst as dstName, atomically,
// using renameat2(2) with two distinct directory fds. Both src and dst
// must be *posixLayer (the only Layer/Upper implementation this module
// provides); this is how copy-up moves a staged file from the workdir
// into the upper layer, and how the upper-layer half of create_directory
// moves a staged directory into place (§4.F).
func RenameAcross(src Layer, srcName string, dst Upper, dstName string, flags uint) error {
	s, ok := src.(*posixLayer)
	if !ok {
		return unix.ENOTSUP
	}
	d, ok := dst.(*posixLayer)
	if !ok {
		return unix.ENOTSUP
	}
	return unix.Renameat2(s.rootFd, srcName, d.rootFd, dstName, flags)
}
