// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// fuse-overlayfs-go mounts a layered overlay filesystem on top of
// github.com/hanwen/go-fuse/v2: a read-only stack of lowerdirs merged
// under one writable upperdir, with every upper-layer regular file
// transparently block-encrypted.
//
// internal/layerstore opens each layer directory and exposes the
// openat/statat/readdir primitives the rest of the tree is built on.
// internal/whiteout and internal/idmap implement the overlay's
// whiteout/opaque marker policy and its uid/gid/permission remapping.
// internal/overlay wires those into an fs.InodeEmbedder tree — lookup,
// copy-up, and the per-file read/write pipeline that routes upper-layer
// I/O through internal/cipher's block cipher. internal/config parses
// the mount options cmd/fuse-overlayfs/main.go hands to fs.Mount.
package lib
