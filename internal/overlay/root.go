// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package overlay implements the layered namespace engine (§4.C–§4.G):
// the node graph, multi-layer lookup, whiteout/opaque semantics, and
// copy-up, plus the per-node file handle that routes upper-layer I/O
// through the block cipher (§4.H–§4.I).
package overlay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/sirupsen/logrus"

	"github.com/jiafengjason/fuse-overlayfs/internal/cipher"
	"github.com/jiafengjason/fuse-overlayfs/internal/idmap"
	"github.com/jiafengjason/fuse-overlayfs/internal/layerstore"
)

// XattrPermissions selects how uid/gid/mode are persisted for upper-layer
// entries when the backing store can't express them directly (§4.B). It
// is the same enum internal/idmap uses for the xattr name lookup, kept as
// one alias rather than two parallel types with the same constant names.
type XattrPermissions = idmap.XattrPermissionMode

const (
	XattrPermissionsOff          = idmap.XattrPermissionsOff
	XattrPermissionsPrivileged   = idmap.XattrPermissionsPrivileged
	XattrPermissionsUnprivileged = idmap.XattrPermissionsUnprivileged
)

// Params configures a Root. Every field maps to a named option of §6.
type Params struct {
	Lowers   []string
	Upper    string // empty means read-only mount
	Workdir  string

	IDMap             *idmap.IDMap
	XattrPermissions  XattrPermissions
	StaticNlink       bool
	Fsync             bool
	Noxattrs          bool

	Cipher *cipher.BlockCipher

	Log *logrus.Logger
}

// Root is the filesystem-wide state shared by every overlayNode: the
// layer stack, the workdir, and the big lock of §4.I (the per-node lock
// lives on each overlayNode).
type Root struct {
	layers []layerstore.Layer // index 0 is upper-as-Layer when Upper != nil
	upper  layerstore.Upper   // nil for a read-only mount
	haveUpper bool

	workdir    layerstore.Upper
	stagingCtr atomic.Uint64

	idmap            *idmap.IDMap
	xattrPermissions XattrPermissions
	staticNlink      bool
	fsync            bool
	noxattrs         bool

	cipher *cipher.BlockCipher

	log *logrus.Logger

	// bigLock is the process-wide mutex of §4.I serializing namespace
	// mutations; handlers acquire it on entry and release it (explicitly,
	// via Unlock/Lock brackets) around long-running syscalls per §5.
	bigLock sync.Mutex
}

// NewRoot opens every configured layer and returns the root Inode
// embedder to hand to fs.Mount, mirroring NewLoopbackRoot's shape.
func NewRoot(p Params) (fs.InodeEmbedder, error) {
	if len(p.Lowers) == 0 && p.Upper == "" {
		return nil, fmt.Errorf("overlay: at least one lowerdir or an upperdir is required")
	}

	r := &Root{
		idmap:            p.IDMap,
		xattrPermissions: p.XattrPermissions,
		staticNlink:      p.StaticNlink,
		fsync:            p.Fsync,
		noxattrs:         p.Noxattrs,
		cipher:           p.Cipher,
		log:              p.Log,
	}
	if r.idmap == nil {
		r.idmap = idmap.NewIDMap()
	}

	idx := 0
	if p.Upper != "" {
		u, err := layerstore.Open(p.Upper, idx, false)
		if err != nil {
			return nil, err
		}
		r.upper = u
		r.haveUpper = true
		r.layers = append(r.layers, u)
		idx++

		wd, err := layerstore.Open(p.Workdir, -1, false)
		if err != nil {
			return nil, fmt.Errorf("overlay: opening workdir: %w", err)
		}
		r.workdir = wd
	}

	for _, lp := range p.Lowers {
		l, err := layerstore.Open(lp, idx, true)
		if err != nil {
			return nil, err
		}
		r.layers = append(r.layers, l)
		idx++
	}

	root := &overlayNode{
		root:        r,
		overlayPath: "",
		layerIdx:    topLayerIdx(r),
		lastLayerIdx: len(r.layers) - 1,
	}
	return root, nil
}

// topLayerIdx is the starting layer index for a lookup at the tree root:
// the upper layer if present, else the first lower layer.
func topLayerIdx(r *Root) int {
	return 0
}

// Close releases the root node's layer stack, including the workdir fd.
// Exposed on overlayNode (not just Root) so a caller holding only the
// fs.InodeEmbedder NewRoot returned — the usual case, since that's the
// value handed to fs.Mount — can still shut the layers down on unmount.
func (n *overlayNode) Close() error {
	return n.root.Close()
}

// Close releases every layer's root directory fd, including the workdir.
func (r *Root) Close() error {
	var firstErr error
	for _, l := range r.layers {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.workdir != nil {
		if err := r.workdir.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// nextStagingName returns the next monotonic workdir staging name (§4.F.3,
// §5's "Staging names in the workdir are generated from a monotonic
// counter").
func (r *Root) nextStagingName() string {
	n := r.stagingCtr.Add(1)
	return fmt.Sprintf("%d", n)
}

func (r *Root) logger() *logrus.Logger {
	if r.log == nil {
		return logrus.StandardLogger()
	}
	return r.log
}
