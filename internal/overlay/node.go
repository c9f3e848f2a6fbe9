// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package overlay

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jiafengjason/fuse-overlayfs/internal/layerstore"
)

// blockCache is the single-block read/write cache of §4.H/§3, one per
// node, guarded by node.mu.
type blockCache struct {
	offset  int64
	data    []byte
	dataLen int
	valid   bool
}

// overlayNode is a Node (§3): a directory-entry identity within the
// merged tree. It embeds fs.Inode, which supplies the Inode half of the
// spec's Node/Inode graph (identity, hard-link aliasing via shared
// Inode, and kernel lookup-count refcounting) — see DESIGN.md component C.
type overlayNode struct {
	fs.Inode

	root *Root

	// parent is a non-owning back-reference (§3, §9's "parent-owns-child
	// plus a non-owning back-reference"), used by copy-up and path
	// rebuilding; nil for the tree root.
	parent *overlayNode

	// mu guards cache (the node holds no cipher contexts; the shared
	// BlockCipher builds its AES objects per call); it nests inside
	// root.bigLock (big-lock-then-node-lock, never the
	// reverse, per §5).
	mu    sync.Mutex
	cache blockCache

	// overlayPath is this node's path relative to every layer root.
	overlayPath string

	// layerIdx is the layer currently providing this name's content;
	// lastLayerIdx is the deepest layer with a visible entry for this
	// name, used to cut the lookup walk short (§3 "last_layer").
	layerIdx     int
	lastLayerIdx int

	whiteout bool
}

var (
	_ fs.NodeGetattrer   = (*overlayNode)(nil)
	_ fs.NodeSetattrer   = (*overlayNode)(nil)
	_ fs.NodeStatfser    = (*overlayNode)(nil)
	_ fs.NodeLookuper    = (*overlayNode)(nil)
	_ fs.NodeOpendirer   = (*overlayNode)(nil)
	_ fs.NodeReaddirer   = (*overlayNode)(nil)
	_ fs.NodeOpener      = (*overlayNode)(nil)
	_ fs.NodeCreater     = (*overlayNode)(nil)
	_ fs.NodeMkdirer     = (*overlayNode)(nil)
	_ fs.NodeMknoder     = (*overlayNode)(nil)
	_ fs.NodeSymlinker   = (*overlayNode)(nil)
	_ fs.NodeLinker      = (*overlayNode)(nil)
	_ fs.NodeUnlinker    = (*overlayNode)(nil)
	_ fs.NodeRmdirer     = (*overlayNode)(nil)
	_ fs.NodeRenamer     = (*overlayNode)(nil)
	_ fs.NodeReadlinker  = (*overlayNode)(nil)
	_ fs.NodeGetxattrer  = (*overlayNode)(nil)
	_ fs.NodeSetxattrer  = (*overlayNode)(nil)
	_ fs.NodeListxattrer = (*overlayNode)(nil)
	_ fs.NodeRemovexattrer = (*overlayNode)(nil)
)

// layer returns the layer currently serving this node's content.
func (n *overlayNode) layer() layerstore.Layer {
	return n.root.layers[n.layerIdx]
}

// onUpper reports whether this node's content already lives on the
// upper layer.
func (n *overlayNode) onUpper() bool {
	return n.root.haveUpper && n.layerIdx == 0
}

// path returns this node's path relative to its current layer's root;
// the root node's path is ".".
func (n *overlayNode) path() string {
	if n.overlayPath == "" {
		return "."
	}
	return n.overlayPath
}

func childPath(parent string, name string) string {
	if parent == "" || parent == "." {
		return name
	}
	return parent + "/" + name
}

func (n *overlayNode) child(name string) *overlayNode {
	ch := n.GetChild(name)
	if ch == nil {
		return nil
	}
	if on, ok := ch.Operations().(*overlayNode); ok {
		return on
	}
	return nil
}

func (n *overlayNode) newChildInode(ctx context.Context, child *overlayNode, st layerstore.Stat) *fs.Inode {
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: st.Mode,
		Ino:  idFromLayerStat(st),
		Gen:  1,
	})
}

// idFromLayerStat folds a layer's device number into the inode number the
// same way go-fuse's loopbackRoot.idFromStat does, so that two distinct
// files on two different layers (lowerdirs backed by different filesystems,
// or the upperdir on a filesystem of its own) that happen to share a raw
// inode number don't collide into the same fs.Inode (spec's one-Inode-per
// (ino,dev) invariant).
func idFromLayerStat(st layerstore.Stat) uint64 {
	swapped := (st.Dev << 32) | (st.Dev >> 32)
	return swapped ^ st.Ino
}

// Statfs subtracts len(".wh.") from f_namemax to reserve room for the
// fallback whiteout prefix (§9 design note, always applied).
func (n *overlayNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.layer().RootPath(), &st); err != nil {
		return errnoOf(err)
	}
	out.FromStatfsT(&st)
	// Reserve room for the fallback whiteout prefix (".wh."), per §9's
	// design note: this must always be applied, regardless of whether
	// this particular mount ever falls back to it.
	if out.NameLen > 4 {
		out.NameLen -= 4
	}
	return fs.OK
}

func (n *overlayNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fg, ok := f.(fs.FileGetattrer); ok && fg != nil {
		return fg.Getattr(ctx, out)
	}
	st, err := n.layer().Statat(n.path())
	if err != nil {
		return errnoOf(err)
	}
	n.fillAttr(&out.Attr, st)
	return fs.OK
}

func (n *overlayNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if n.root.noxattrs || isOverlayPrivateXattr(attr) {
		return 0, syscall.ENODATA
	}
	v, err := n.layer().Getxattr(n.path(), attr)
	if err != nil {
		return 0, errnoOf(err)
	}
	if len(dest) < len(v) {
		return uint32(len(v)), syscall.ERANGE
	}
	copy(dest, v)
	return uint32(len(v)), fs.OK
}

func (n *overlayNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	if n.root.noxattrs {
		return 0, fs.OK
	}
	names, err := n.layer().Listxattr(n.path())
	if err != nil {
		return 0, errnoOf(err)
	}
	var total int
	for _, nm := range names {
		if isOverlayPrivateXattr(nm) {
			continue
		}
		total += len(nm) + 1
	}
	if len(dest) < total {
		return uint32(total), syscall.ERANGE
	}
	off := 0
	for _, nm := range names {
		if isOverlayPrivateXattr(nm) {
			continue
		}
		copy(dest[off:], nm)
		dest[off+len(nm)] = 0
		off += len(nm) + 1
	}
	return uint32(total), fs.OK
}

func (n *overlayNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		return errno
	}
	if err := upper.Setxattr(n.path(), attr, data, int(flags)); err != nil {
		return errnoOf(err)
	}
	return fs.OK
}

func (n *overlayNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	upper, errno := n.ensureUpperForWrite(ctx)
	if errno != 0 {
		return errno
	}
	if err := upper.Removexattr(n.path(), attr); err != nil {
		return errnoOf(err)
	}
	return fs.OK
}

func (n *overlayNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.layer().Readlinkat(n.path())
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(target), fs.OK
}

// isOverlayPrivateXattr hides the overlay's own bookkeeping attributes
// from Listxattr/Getxattr, matching standard overlay filesystem
// behavior of not leaking its implementation xattrs to callers.
func isOverlayPrivateXattr(name string) bool {
	switch name {
	case originXattrName, overrideStatXattrTrusted, overrideStatXattrUser,
		opaqueXattrTrusted, opaqueXattrUser:
		return true
	}
	return false
}
