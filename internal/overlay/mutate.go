// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package overlay

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jiafengjason/fuse-overlayfs/internal/layerstore"
	"github.com/jiafengjason/fuse-overlayfs/internal/whiteout"
)

const unix_DT_DIR = 4

// nameMax is the conservative namemax this module enforces for any name
// it creates, reserving room for the ".wh." fallback prefix (§4.G's
// ENAMETOOLONG case), independent of whatever the backing filesystem
// itself reports via statfs.
const nameMax = 255 - 4

func checkNameLen(name string) syscall.Errno {
	if len(name) > nameMax {
		return syscall.ENAMETOOLONG
	}
	return 0
}

// applyCreateOwnership persists the creating caller's (uid, gid) for a
// freshly created entry. When xattr_permissions is enabled this is the
// only authoritative record (§4.B: "chown/chmod update the attribute
// instead of the underlying file"); when it is off, the entry's real
// ownership is whatever the upper-layer syscall produced for the
// fuse-overlayfs process, which is the documented behavior in that mode.
func (n *overlayNode) applyCreateOwnership(ctx context.Context, upper layerstore.Upper, cp string, mode uint32) {
	if n.root.xattrPermissions == XattrPermissionsOff {
		return
	}
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return
	}
	hostUID := n.root.idmap.ContainerToHostUID(caller.Uid)
	hostGID := n.root.idmap.ContainerToHostGID(caller.Gid)
	child := &overlayNode{root: n.root, overlayPath: cp, layerIdx: 0}
	child.writeOverrideStat(upper, hostUID, hostGID, mode)
}

// Create implements the create contract of §4.G.
func (n *overlayNode) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if whiteout.IsWhiteoutName(name) {
		return nil, nil, 0, syscall.EINVAL
	}
	if errno := checkNameLen(name); errno != 0 {
		return nil, nil, 0, errno
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		return nil, nil, 0, errno
	}

	existing, found, errno := n.resolveChild(name)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	if found && !existing.whiteout && flags&uint32(unix.O_EXCL) != 0 {
		return nil, nil, 0, syscall.EEXIST
	}

	cp := childPath(n.overlayPath, name)

	// Clear any covering whiteout before creating the real entry: a
	// char-device whiteout occupies the same name, so an O_CREAT open
	// would otherwise open that device node instead of creating a file.
	if err := whiteout.DeleteWhiteout(upper, cp); err != nil {
		return nil, nil, 0, errnoOf(err)
	}

	openFlags := int(flags) &^ unix.O_APPEND
	if openFlags&unix.O_ACCMODE == unix.O_WRONLY {
		openFlags = (openFlags &^ unix.O_ACCMODE) | unix.O_RDWR
	}
	openFlags |= unix.O_CREAT

	fd, err := upper.Openat(cp, openFlags, mode&07777)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	n.applyCreateOwnership(ctx, upper, cp, mode|unix_S_IFREG)

	st, err := upper.Statat(cp)
	if err != nil {
		unix.Close(fd)
		return nil, nil, 0, errnoOf(err)
	}

	child := &overlayNode{
		root:         n.root,
		parent:       n,
		overlayPath:  cp,
		layerIdx:     0,
		lastLayerIdx: len(n.root.layers) - 1,
	}
	childInode := n.newChildInode(ctx, child, st)
	child.fillAttr(&out.Attr, st)

	fh := newOverlayFile(child, fd)
	return childInode, fh, 0, 0
}

// Mkdir implements the create-directory half of §4.G (a brand new
// directory, as opposed to promoting one from a lower layer — see
// createDirectoryUp for that protocol). Unlike Create, mkdir(2) has no
// O_EXCL bit to toggle: an existing non-whiteout entry anywhere in the
// layer stack is always EEXIST, and a fresh directory is marked opaque
// outright, since nothing below it (now or appearing later) should ever
// show through a name the caller just asked to be brand new (§9's
// supplemented scenario: "mkdir /b where b does not exist anywhere ...
// the upperdir b carries the opaque marker").
func (n *overlayNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if whiteout.IsWhiteoutName(name) {
		return nil, syscall.EINVAL
	}
	if errno := checkNameLen(name); errno != 0 {
		return nil, errno
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		return nil, errno
	}

	existing, found, errno := n.resolveChild(name)
	if errno != 0 {
		return nil, errno
	}
	if found && !existing.whiteout {
		return nil, syscall.EEXIST
	}

	cp := childPath(n.overlayPath, name)
	// Clear any covering whiteout before mkdir: a char-device whiteout
	// occupies the same name, so mkdirat would otherwise fail with EEXIST.
	if err := whiteout.DeleteWhiteout(upper, cp); err != nil {
		return nil, errnoOf(err)
	}
	if err := upper.Mkdirat(cp, mode&07777); err != nil {
		return nil, errnoOf(err)
	}
	if err := whiteout.SetOpaque(upper, cp); err != nil {
		return nil, errnoOf(err)
	}
	n.applyCreateOwnership(ctx, upper, cp, mode|unix_S_IFDIR)

	st, err := upper.Statat(cp)
	if err != nil {
		return nil, errnoOf(err)
	}
	child := &overlayNode{
		root:         n.root,
		parent:       n,
		overlayPath:  cp,
		layerIdx:     0,
		lastLayerIdx: 0,
	}
	childInode := n.newChildInode(ctx, child, st)
	child.fillAttr(&out.Attr, st)
	return childInode, 0
}

// Mknod creates a device/fifo/socket node via workdir staging then
// rename, per §4.G's "symlink, mknod: create via workdir staging then
// renameat; delete covering whiteout at destination."
func (n *overlayNode) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if whiteout.IsWhiteoutName(name) {
		return nil, syscall.EINVAL
	}
	if errno := checkNameLen(name); errno != 0 {
		return nil, errno
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		return nil, errno
	}
	if !upper.CanMknod() {
		return nil, syscall.ENOTSUP
	}

	cp := childPath(n.overlayPath, name)
	staging := n.root.nextStagingName()
	workdir := n.root.workdir

	if err := workdir.Mknodat(staging, mode, int(rdev)); err != nil {
		return nil, errnoOf(err)
	}
	rollback := true
	defer func() {
		if rollback {
			workdir.Unlinkat(staging, 0)
		}
	}()

	n.applyCreateOwnership(ctx, workdir, staging, mode)

	if err := layerstore.RenameAcross(workdir, staging, upper, cp, 0); err != nil {
		return nil, errnoOf(err)
	}
	rollback = false

	if err := whiteout.DeleteWhiteout(upper, cp); err != nil {
		return nil, errnoOf(err)
	}

	st, err := upper.Statat(cp)
	if err != nil {
		return nil, errnoOf(err)
	}
	child := &overlayNode{
		root:         n.root,
		parent:       n,
		overlayPath:  cp,
		layerIdx:     0,
		lastLayerIdx: len(n.root.layers) - 1,
	}
	childInode := n.newChildInode(ctx, child, st)
	child.fillAttr(&out.Attr, st)
	return childInode, 0
}

// Symlink mirrors Mknod's staging protocol, per the same §4.G bullet.
func (n *overlayNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if whiteout.IsWhiteoutName(name) {
		return nil, syscall.EINVAL
	}
	if errno := checkNameLen(name); errno != 0 {
		return nil, errno
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		return nil, errno
	}

	cp := childPath(n.overlayPath, name)
	staging := n.root.nextStagingName()
	workdir := n.root.workdir

	if err := workdir.Symlinkat(target, staging); err != nil {
		return nil, errnoOf(err)
	}
	rollback := true
	defer func() {
		if rollback {
			workdir.Unlinkat(staging, 0)
		}
	}()

	if err := layerstore.RenameAcross(workdir, staging, upper, cp, 0); err != nil {
		return nil, errnoOf(err)
	}
	rollback = false

	if err := whiteout.DeleteWhiteout(upper, cp); err != nil {
		return nil, errnoOf(err)
	}
	n.applyCreateOwnership(ctx, upper, cp, unix_S_IFLNK|0777)

	st, err := upper.Statat(cp)
	if err != nil {
		return nil, errnoOf(err)
	}
	child := &overlayNode{
		root:         n.root,
		parent:       n,
		overlayPath:  cp,
		layerIdx:     0,
		lastLayerIdx: len(n.root.layers) - 1,
	}
	childInode := n.newChildInode(ctx, child, st)
	child.fillAttr(&out.Attr, st)
	return childInode, 0
}

// Link implements §4.G's link contract: the kernel already rejects
// directory targets before calling us (EPERM via the underlying
// filesystem, the same as go-fuse's loopback example), so this only
// needs to reject an existing non-whiteout destination and linkat from
// the source's upper path.
func (n *overlayNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if whiteout.IsWhiteoutName(name) {
		return nil, syscall.EINVAL
	}
	src, ok := target.(*overlayNode)
	if !ok {
		return nil, syscall.EXDEV
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	if !src.onUpper() {
		if err := src.copyUp(ctx); err != nil {
			return nil, errnoOf(err)
		}
	}
	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		return nil, errno
	}

	existing, found, errno := n.resolveChild(name)
	if errno != 0 {
		return nil, errno
	}
	if found && !existing.whiteout {
		return nil, syscall.EEXIST
	}

	cp := childPath(n.overlayPath, name)
	// Clear any covering whiteout before linkat: a char-device whiteout
	// occupies the same name, so linkat would otherwise fail with EEXIST.
	if err := whiteout.DeleteWhiteout(upper, cp); err != nil {
		return nil, errnoOf(err)
	}
	if err := upper.Linkat(src.overlayPath, cp); err != nil {
		return nil, errnoOf(err)
	}

	st, err := upper.Statat(cp)
	if err != nil {
		return nil, errnoOf(err)
	}
	child := &overlayNode{
		root:         n.root,
		parent:       n,
		overlayPath:  cp,
		layerIdx:     0,
		lastLayerIdx: len(n.root.layers) - 1,
	}
	childInode := n.newChildInode(ctx, child, st)
	child.fillAttr(&out.Attr, st)
	return childInode, 0
}

// lowerLayersHaveVisibleName reports whether any layer below fromIdx
// still shows a non-whiteout entry for name, the condition that forces
// unlink/rmdir to leave a whiteout behind (§4.G).
func (n *overlayNode) lowerLayersHaveVisibleName(name string, fromIdx int) bool {
	cp := childPath(n.overlayPath, name)
	for idx := fromIdx + 1; idx < len(n.root.layers); idx++ {
		layer := n.root.layers[idx]
		if st, err := layer.Statat(cp); err == nil {
			return !whiteout.IsWhiteout(st)
		}
		if _, err := layer.Statat(whiteout.WhiteoutName(cp)); err == nil {
			return false
		}
	}
	return false
}

// unsupportedRenameFlag reports whether err indicates the backing
// filesystem rejected a renameat2 flag it does not implement, so the
// caller should fall back to a slower but portable sequence.
func unsupportedRenameFlag(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP)
}

// Unlink implements §4.G's unlink contract. The fs package removes the
// child from the Inode tree automatically once this returns OK.
func (n *overlayNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if whiteout.IsWhiteoutName(name) {
		return syscall.EINVAL
	}
	if !n.root.haveUpper {
		return syscall.EROFS
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		return errno
	}

	child, found, errno := n.resolveChild(name)
	if errno != 0 {
		return errno
	}
	if !found || child.whiteout {
		return syscall.ENOENT
	}

	lowerHasName := n.lowerLayersHaveVisibleName(name, 0)
	cp := childPath(n.overlayPath, name)

	if child.layerIdx == 0 {
		if lowerHasName {
			staging := n.root.nextStagingName()
			if err := layerstore.RenameAcross(upper, cp, n.root.workdir, staging, unix.RENAME_WHITEOUT); err == nil {
				n.root.workdir.Unlinkat(staging, 0)
				return fs.OK
			} else if !unsupportedRenameFlag(err) {
				return errnoOf(err)
			}
		}
		if err := upper.Unlinkat(cp, 0); err != nil {
			return errnoOf(err)
		}
	}

	if lowerHasName {
		if err := whiteout.CreateWhiteout(upper, cp, true, true); err != nil {
			return errnoOf(err)
		}
	}
	return fs.OK
}

// Rmdir is Unlink's directory counterpart (§4.G groups them together).
func (n *overlayNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if whiteout.IsWhiteoutName(name) {
		return syscall.EINVAL
	}
	if !n.root.haveUpper {
		return syscall.EROFS
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		return errno
	}

	child, found, errno := n.resolveChild(name)
	if errno != 0 {
		return errno
	}
	if !found || child.whiteout {
		return syscall.ENOENT
	}

	lowerHasName := n.lowerLayersHaveVisibleName(name, 0)
	cp := childPath(n.overlayPath, name)

	if child.layerIdx == 0 {
		if err := upper.Unlinkat(cp, unix.AT_REMOVEDIR); err != nil {
			return errnoOf(err)
		}
	}

	if lowerHasName {
		if err := whiteout.CreateWhiteout(upper, cp, true, true); err != nil {
			return errnoOf(err)
		}
	}
	return fs.OK
}

// Rename implements both modes of §4.G's rename contract.
func (n *overlayNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if whiteout.IsWhiteoutName(name) || whiteout.IsWhiteoutName(newName) {
		return syscall.EINVAL
	}
	dst, ok := newParent.(*overlayNode)
	if !ok {
		return syscall.EXDEV
	}
	if !n.root.haveUpper {
		return syscall.EROFS
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	if flags&unix.RENAME_EXCHANGE != 0 {
		return n.renameExchange(ctx, name, dst, newName)
	}
	return n.renameDefault(ctx, name, dst, newName, flags)
}

// renameExchange implements §4.G's RENAME_EXCHANGE mode: both sides must
// already resolve, and since the exchange is a single atomic upper-layer
// syscall, a directory side whose subtree isn't entirely resident on
// upper can't participate (EXDEV per §4.G line "if either is a directory
// its entire subtree must be upper-only") — exchanging would silently
// lose the lower-layer shadow. A non-directory side still needs to
// already be on upper outright, since exchange never copies up.
func (n *overlayNode) renameExchange(ctx context.Context, name string, dst *overlayNode, newName string) syscall.Errno {
	src, found, errno := n.resolveChild(name)
	if errno != 0 {
		return errno
	}
	if !found || src.whiteout {
		return syscall.ENOENT
	}
	other, found, errno := dst.resolveChild(newName)
	if errno != 0 {
		return errno
	}
	if !found || other.whiteout {
		return syscall.ENOENT
	}

	srcPath := childPath(n.overlayPath, name)
	dstPath := childPath(dst.overlayPath, newName)

	for _, side := range []struct {
		node *overlayNode
		path string
	}{{src, srcPath}, {other, dstPath}} {
		st, err := side.node.layer().Statat(side.node.path())
		if err != nil {
			return errnoOf(err)
		}
		if st.Mode&unix_S_IFMT == unix_S_IFDIR {
			fullyUpper, err := subtreeFullyUpper(n.root, side.path, side.node.lastLayerIdx)
			if err != nil {
				return errnoOf(err)
			}
			if !fullyUpper {
				return syscall.EXDEV
			}
		} else if !side.node.onUpper() {
			return syscall.EXDEV
		}
	}

	if err := n.root.upper.Renameat2(srcPath, dstPath, unix.RENAME_EXCHANGE); err != nil {
		return errnoOf(err)
	}

	if existing := n.child(name); existing != nil {
		existing.updatePaths(dstPath)
	}
	if existing := dst.child(newName); existing != nil {
		existing.updatePaths(srcPath)
	}
	return fs.OK
}

// renameDefault implements §4.G's non-exchange rename mode: copy the
// source up, then move it into place, preferring the atomic
// renameat2(RENAME_WHITEOUT) encoding and falling back to a plain rename
// plus an explicit whiteout at the source when the destination already
// exists as a whiteout or the flag is unsupported.
func (n *overlayNode) renameDefault(ctx context.Context, name string, dst *overlayNode, newName string, flags uint32) syscall.Errno {
	src, found, errno := n.resolveChild(name)
	if errno != 0 {
		return errno
	}
	if !found || src.whiteout {
		return syscall.ENOENT
	}

	if st, err := src.layer().Statat(src.path()); err != nil {
		return errnoOf(err)
	} else if st.Mode&unix_S_IFMT == unix_S_IFDIR {
		fullyUpper, err := subtreeFullyUpper(n.root, childPath(n.overlayPath, name), src.lastLayerIdx)
		if err != nil {
			return errnoOf(err)
		}
		if !fullyUpper {
			return syscall.EXDEV
		}
	}

	if !src.onUpper() {
		if err := src.copyUp(ctx); err != nil {
			return errnoOf(err)
		}
	}

	destExisting, destFound, errno := dst.resolveChild(newName)
	if errno != 0 {
		return errno
	}
	if destFound && !destExisting.whiteout {
		if flags&unix.RENAME_NOREPLACE != 0 {
			return syscall.EEXIST
		}
		if destExisting.layerIdx == 0 {
			st, err := n.root.upper.Statat(childPath(dst.overlayPath, newName))
			if err == nil && st.Mode&unix_S_IFMT == unix_S_IFDIR {
				hasChildren, err := dirHasVisibleEntries(n.root.upper, childPath(dst.overlayPath, newName))
				if err != nil {
					return errnoOf(err)
				}
				if hasChildren {
					return syscall.ENOTEMPTY
				}
			}
		}
	}

	srcPath := childPath(n.overlayPath, name)
	dstPath := childPath(dst.overlayPath, newName)
	upper := n.root.upper

	srcLowerHasName := n.lowerLayersHaveVisibleName(name, 0)

	if destFound && destExisting.whiteout {
		// Prefer the exchange trick so the whiteout migrates atomically
		// to the source side in the same operation.
		if err := upper.Renameat2(srcPath, dstPath, unix.RENAME_EXCHANGE); err == nil {
			if !srcLowerHasName {
				if err := whiteout.DeleteWhiteout(upper, srcPath); err != nil {
					return errnoOf(err)
				}
			}
			if existing := n.child(name); existing != nil {
				existing.updatePaths(dstPath)
			}
			return fs.OK
		} else if !unsupportedRenameFlag(err) {
			return errnoOf(err)
		}
	}

	if srcLowerHasName {
		if err := upper.Renameat2(srcPath, dstPath, unix.RENAME_WHITEOUT); err == nil {
			if existing := n.child(name); existing != nil {
				existing.updatePaths(dstPath)
			}
			return fs.OK
		} else if !unsupportedRenameFlag(err) {
			return errnoOf(err)
		}
	}

	if err := upper.Renameat2(srcPath, dstPath, 0); err != nil {
		return errnoOf(err)
	}
	if srcLowerHasName {
		if err := whiteout.CreateWhiteout(upper, srcPath, true, true); err != nil {
			return errnoOf(err)
		}
	}
	if destFound {
		if err := whiteout.DeleteWhiteout(upper, dstPath); err != nil {
			return errnoOf(err)
		}
	}
	if existing := n.child(name); existing != nil {
		existing.updatePaths(dstPath)
	}
	return fs.OK
}

// updatePaths rewrites this node's overlayPath (and recursively every
// materialized descendant's) after a successful rename, mirroring
// spec.md §4.C's update_paths operation; fs.Inode itself already moved
// the node in the kernel-visible tree, so only this module's own
// bookkeeping fields need fixing up.
func (n *overlayNode) updatePaths(newPath string) {
	n.overlayPath = newPath
	for name, childInode := range n.Children() {
		if child, ok := childInode.Operations().(*overlayNode); ok {
			child.updatePaths(childPath(newPath, name))
		}
	}
}

// dirHasVisibleEntries reports whether dirPath, as seen only on upper,
// has any non-whiteout entries (the emptiness check renameDefault needs
// before replacing a destination directory).
func dirHasVisibleEntries(upper layerstore.Upper, dirPath string) (bool, error) {
	dirfd, err := upper.Opendir(dirPath)
	if err != nil {
		return false, err
	}
	entries, err := upper.Readdir(dirfd)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if whiteout.IsWhiteoutName(e.Name) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// subtreeFullyUpper reports whether path's merged subtree, read across
// layers 0..lastLayerIdx the same way Readdir merges a directory,
// contains any name that a lower layer contributes and upper does not
// already shadow (by presence or by whiteout) — the precondition a
// directory rename must satisfy to move the tree with a single upper-only
// rename instead of a full recursive copy-up (§4.G, §8 boundary
// behavior "renaming a directory whose subtree is partly on a lower
// layer fails with cross-device").
func subtreeFullyUpper(root *Root, path string, lastLayerIdx int) (bool, error) {
	if !root.haveUpper || lastLayerIdx <= 0 {
		return true, nil
	}
	upper := root.layers[0]

	st, err := upper.Statat(path)
	if err != nil {
		if err == syscall.ENOENT {
			return false, nil
		}
		return false, err
	}
	if st.Mode&unix_S_IFMT != unix_S_IFDIR {
		return true, nil
	}
	if whiteout.IsOpaque(upper, path) {
		return true, nil
	}

	shadowed := map[string]bool{}
	dirs := map[string]bool{}
	if dirfd, err := upper.Opendir(path); err == nil {
		entries, err := upper.Readdir(dirfd)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			if whiteout.IsWhiteoutName(e.Name) {
				shadowed[whiteout.TargetOfWhiteoutName(e.Name)] = true
				continue
			}
			shadowed[e.Name] = true
			if e.Type == unix_DT_DIR {
				dirs[e.Name] = true
			}
		}
	}

	for idx := 1; idx <= lastLayerIdx && idx < len(root.layers); idx++ {
		layer := root.layers[idx]
		dirfd, err := layer.Opendir(path)
		if err != nil {
			continue
		}
		entries, err := layer.Readdir(dirfd)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.Name == "." || e.Name == ".." || whiteout.IsWhiteoutName(e.Name) {
				continue
			}
			if !shadowed[e.Name] {
				return false, nil
			}
		}
	}

	for name := range dirs {
		fullyUpper, err := subtreeFullyUpper(root, childPath(path, name), lastLayerIdx)
		if err != nil {
			return false, err
		}
		if !fullyUpper {
			return false, nil
		}
	}
	return true, nil
}

// Setattr implements §4.G's setattr contract: resolve to upper (copy-up
// if needed), then dispatch each bit of the mask to the matching
// operation, releasing the big lock around the long-running syscalls per
// §5.
func (n *overlayNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.root.bigLock.Lock()
	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		n.root.bigLock.Unlock()
		return errno
	}
	path := n.path()

	if m, ok := in.GetMode(); ok {
		if n.root.xattrPermissions != XattrPermissionsOff {
			st, err := upper.Statat(path)
			if err != nil {
				n.root.bigLock.Unlock()
				return errnoOf(err)
			}
			uid, gid := st.UID, st.GID
			if ov, ok := n.readOverrideStat(); ok {
				uid, gid = ov.UID, ov.GID
			}
			if err := n.writeOverrideStat(upper, uid, gid, m); err != nil {
				n.root.bigLock.Unlock()
				return errnoOf(err)
			}
		} else if err := upper.Chmodat(path, m); err != nil {
			n.root.bigLock.Unlock()
			return errnoOf(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		if n.root.xattrPermissions != XattrPermissionsOff {
			st, err := upper.Statat(path)
			if err != nil {
				n.root.bigLock.Unlock()
				return errnoOf(err)
			}
			mode := st.Mode
			u, g := st.UID, st.GID
			if ov, ok := n.readOverrideStat(); ok {
				mode, u, g = ov.Mode, ov.UID, ov.GID
			}
			if uok {
				u = n.root.idmap.ContainerToHostUID(uid)
			}
			if gok {
				g = n.root.idmap.ContainerToHostGID(gid)
			}
			if err := n.writeOverrideStat(upper, u, g, mode); err != nil {
				n.root.bigLock.Unlock()
				return errnoOf(err)
			}
		} else {
			hu, hg := -1, -1
			if uok {
				hu = int(n.root.idmap.ContainerToHostUID(uid))
			}
			if gok {
				hg = int(n.root.idmap.ContainerToHostGID(gid))
			}
			if err := upper.Chownat(path, hu, hg); err != nil {
				n.root.bigLock.Unlock()
				return errnoOf(err)
			}
		}
	}

	if sz, ok := in.GetSize(); ok {
		fd, closeFd, errno := n.fdForSetattr(f)
		if errno != 0 {
			n.root.bigLock.Unlock()
			return errno
		}
		n.root.bigLock.Unlock()
		err := upper.Ftruncate(fd, int64(sz))
		if closeFd {
			unix.Close(fd)
		}
		n.root.bigLock.Lock()
		if err != nil {
			n.root.bigLock.Unlock()
			return errnoOf(err)
		}
		n.mu.Lock()
		n.cache.valid = false
		n.mu.Unlock()
	}

	mtime, mok := in.GetMTime()
	atime, aok := in.GetATime()
	if mok || aok {
		var ts [2]unix.Timespec
		if aok {
			ts[0] = unix.NsecToTimespec(atime.UnixNano())
		} else {
			ts[0] = unix.Timespec{Nsec: unix_UTIME_OMIT}
		}
		if mok {
			ts[1] = unix.NsecToTimespec(mtime.UnixNano())
		} else {
			ts[1] = unix.Timespec{Nsec: unix_UTIME_OMIT}
		}
		n.root.bigLock.Unlock()
		err := upper.Utimensat(path, ts[0], ts[1])
		n.root.bigLock.Lock()
		if err != nil {
			n.root.bigLock.Unlock()
			return errnoOf(err)
		}
	}

	st, err := upper.Statat(path)
	n.root.bigLock.Unlock()
	if err != nil {
		return errnoOf(err)
	}
	n.fillAttr(&out.Attr, st)
	return fs.OK
}

const unix_UTIME_OMIT = (1 << 30) - 2

// fdForSetattr returns an fd usable for ftruncate: the already-open file
// handle's fd when one was passed in, otherwise a freshly opened one
// that the caller must close.
func (n *overlayNode) fdForSetattr(f fs.FileHandle) (fd int, shouldClose bool, errno syscall.Errno) {
	if of, ok := f.(*overlayFile); ok && of != nil {
		return of.fd, false, 0
	}
	fd, err := n.root.upper.Openat(n.path(), unix.O_RDWR, 0)
	if err != nil {
		return 0, false, errnoOf(err)
	}
	return fd, true, 0
}
