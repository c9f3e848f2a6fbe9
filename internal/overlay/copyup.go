// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package overlay

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jiafengjason/fuse-overlayfs/internal/idmap"
	"github.com/jiafengjason/fuse-overlayfs/internal/layerstore"
	"github.com/jiafengjason/fuse-overlayfs/internal/whiteout"
)

// ensureUpperForWrite resolves this node's content to the upper layer,
// copying up first if necessary, and returns the writable Upper handle.
// Read-only mounts (no upperdir configured) surface EROFS.
func (n *overlayNode) ensureUpperForWrite(ctx context.Context) (layerstore.Upper, syscall.Errno) {
	if !n.root.haveUpper {
		return nil, syscall.EROFS
	}
	if n.onUpper() {
		return n.root.upper, 0
	}
	if err := n.copyUp(ctx); err != nil {
		return nil, errnoOf(err)
	}
	return n.root.upper, 0
}

// copyUp implements the numbered protocol of §4.F: promote a node whose
// layer != upper to upper, parent-first.
func (n *overlayNode) copyUp(ctx context.Context) error {
	if n.onUpper() {
		return nil
	}

	if n.parent != nil && !n.parent.onUpper() {
		if err := n.parent.copyUp(ctx); err != nil {
			return err
		}
	}

	src := n.layer()
	st, err := src.Statat(n.path())
	if err != nil {
		return err
	}

	switch st.Mode & unix_S_IFMT {
	case unix_S_IFDIR:
		if err := n.createDirectoryUp(st); err != nil {
			return err
		}
	case unix_S_IFLNK:
		if err := n.copyUpSymlink(src, st); err != nil {
			return err
		}
	default:
		if err := n.copyUpRegular(src, st); err != nil {
			return err
		}
	}

	if err := whiteout.DeleteWhiteout(n.root.upper, n.overlayPath); err != nil {
		return err
	}

	n.layerIdx = 0
	n.lastLayerIdx = len(n.root.layers) - 1
	return nil
}

// copyUpRegular implements §4.F.4: open source read-only, stage in
// workdir, encode contents block-by-block through the cipher, copy
// timestamps and xattrs, record origin, rename into place.
func (n *overlayNode) copyUpRegular(src layerstore.Layer, st layerstore.Stat) error {
	upper := n.root.upper
	workdir := n.root.workdir

	srcFd, err := src.Openat(n.path(), unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(srcFd)

	mode := st.Mode & 07777
	if n.root.xattrPermissions != XattrPermissionsOff {
		mode |= 0755
	} else if os.Getuid() != 0 {
		mode |= 0200
	}

	staging := n.root.nextStagingName()
	dstFd, err := workdir.Openat(staging, unix.O_CREAT|unix.O_WRONLY|unix.O_EXCL, mode)
	if err != nil {
		return err
	}
	rollback := true
	defer func() {
		unix.Close(dstFd)
		if rollback {
			workdir.Unlinkat(staging, 0)
		}
	}()

	if err := copyFileContents(n.root, srcFd, dstFd, st.Size); err != nil {
		return err
	}

	if n.root.xattrPermissions != XattrPermissionsOff {
		if err := n.writeOverrideStatAt(workdir, staging, st.UID, st.GID, st.Mode); err != nil {
			return err
		}
	} else {
		unix.Fchown(dstFd, int(st.UID), int(st.GID))
	}

	workdir.Utimensat(staging, st.Atime, st.Mtime)
	copyAllowedXattrs(src, n.path(), workdir, staging)

	rec := newOriginRecord(n.path(), st.Ino, st.Dev, false)
	workdir.Setxattr(staging, originXattrName, rec.encode(), 0)

	if err := layerstore.RenameAcross(workdir, staging, upper, n.overlayPath, 0); err != nil {
		return err
	}
	rollback = false
	return nil
}

func (n *overlayNode) copyUpSymlink(src layerstore.Layer, st layerstore.Stat) error {
	target, err := src.Readlinkat(n.path())
	if err != nil {
		return err
	}
	if err := n.root.upper.Symlinkat(target, n.overlayPath); err != nil {
		return err
	}
	n.root.upper.Setxattr(n.overlayPath, originXattrName, newOriginRecord(n.path(), st.Ino, st.Dev, false).encode(), 0)
	return nil
}

// createDirectoryUp implements the create_directory protocol of §4.F:
// mkdirat directly when no metadata beyond the directory itself needs
// staging, otherwise stage-then-rename, with the documented EEXIST/
// ENOTDIR/ENOENT recovery paths.
func (n *overlayNode) createDirectoryUp(st layerstore.Stat) error {
	upper := n.root.upper

	if n.root.xattrPermissions == XattrPermissionsOff {
		err := upper.Mkdirat(n.overlayPath, st.Mode&07777)
		switch {
		case err == nil:
			upper.Utimensat(n.overlayPath, st.Atime, st.Mtime)
			return nil
		case errors.Is(err, unix.EEXIST):
			return n.recoverExistingUpperDirectory(st)
		case errors.Is(err, unix.ENOTDIR):
			if uerr := upper.Unlinkat(n.overlayPath, 0); uerr != nil {
				return uerr
			}
			return n.createDirectoryUp(st)
		case errors.Is(err, unix.ENOENT):
			if n.parent != nil {
				if perr := n.parent.copyUp(context.Background()); perr != nil {
					return perr
				}
			}
			return n.createDirectoryUp(st)
		default:
			return err
		}
	}

	staging := n.root.nextStagingName()
	workdir := n.root.workdir
	if err := workdir.Mkdirat(staging, st.Mode&07777); err != nil {
		return err
	}
	if err := n.writeOverrideStatAt(workdir, staging, st.UID, st.GID, st.Mode); err != nil {
		workdir.Unlinkat(staging, unix.AT_REMOVEDIR)
		return err
	}
	workdir.Utimensat(staging, st.Atime, st.Mtime)
	if whiteout.IsOpaque(n.layer(), n.path()) {
		whiteout.SetOpaque(workdir, staging)
	}
	return layerstore.RenameAcross(workdir, staging, upper, n.overlayPath, 0)
}

// recoverExistingUpperDirectory implements §4.F's "On EEXIST with a
// differing type, rename the existing entry into workdir, then mkdirat
// at the destination, then remove the displaced entry from workdir."
// RENAME_EXCHANGE is not usable here: it requires both paths to already
// exist, but the staging name in workdir has never been created.
func (n *overlayNode) recoverExistingUpperDirectory(st layerstore.Stat) error {
	existing, err := n.root.upper.Statat(n.overlayPath)
	if err != nil {
		return err
	}
	if existing.Mode&unix_S_IFMT == unix_S_IFDIR {
		return nil // already a directory; treat as already promoted
	}

	workdir := n.root.workdir
	staging := n.root.nextStagingName()
	if err := layerstore.RenameAcross(n.root.upper, n.overlayPath, workdir, staging, 0); err != nil {
		return err
	}
	if err := n.root.upper.Mkdirat(n.overlayPath, st.Mode&07777); err != nil {
		return err
	}
	return workdir.Unlinkat(staging, 0)
}

// copyFileContents re-encodes src's plaintext through the block cipher
// block-by-block while copying into dst, per §4.F.4.
func copyFileContents(root *Root, srcFd, dstFd int, size int64) error {
	bs := root.cipher.BlockSize()
	buf := make([]byte, bs)
	var block uint64
	var off int64
	for off < size {
		n, err := unix.Pread(srcFd, buf, off)
		if n == 0 && err == nil {
			break
		}
		if err != nil && err != io.EOF {
			return err
		}
		chunk := buf[:n]
		var out []byte
		if n == bs {
			out, err = root.cipher.EncodeBlock(block, chunk)
		} else {
			padded := make([]byte, n)
			copy(padded, chunk)
			out, err = root.cipher.EncodeTail(block, padded)
		}
		if err != nil {
			return err
		}
		if _, werr := unix.Pwrite(dstFd, out, off); werr != nil {
			return werr
		}
		off += int64(n)
		block++
		if n < bs {
			break
		}
	}
	return nil
}

// copyAllowedXattrs copies user-visible xattrs (never the overlay's own
// bookkeeping attributes) from src to a staged file in workdir, best
// effort — a source filesystem without xattr support is not an error.
func copyAllowedXattrs(src layerstore.Layer, srcPath string, workdir layerstore.Upper, stagingName string) {
	names, err := src.Listxattr(srcPath)
	if err != nil {
		return
	}
	for _, name := range names {
		if isOverlayPrivateXattr(name) {
			continue
		}
		v, err := src.Getxattr(srcPath, name)
		if err != nil {
			continue
		}
		workdir.Setxattr(stagingName, name, v, 0)
	}
}

// writeOverrideStatAt is writeOverrideStat's staging-time counterpart:
// the target path is still in the workdir under stagingName, not yet at
// its final overlayPath.
func (n *overlayNode) writeOverrideStatAt(workdir layerstore.Upper, stagingName string, uid, gid, mode uint32) error {
	name := overrideStatXattrTrusted
	if n.root.xattrPermissions == XattrPermissionsUnprivileged {
		name = overrideStatXattrUser
	}
	ov := idmap.OverrideStat{UID: uid, GID: gid, Mode: mode}
	return workdir.Setxattr(stagingName, name, ov.Encode(), 0)
}
