// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package overlay

import (
	"context"
	"sort"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sync/errgroup"

	"github.com/jiafengjason/fuse-overlayfs/internal/whiteout"
)

// Lookup implements the four-step walk of §4.D: reject ".wh." names
// outright, return an already-materialized child if present, otherwise
// walk the layer stack from the parent's current layer down to its
// last_layer, honoring whiteouts and opaque directories.
func (n *overlayNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if whiteout.IsWhiteoutName(name) {
		return nil, syscall.EINVAL
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	if existing := n.child(name); existing != nil {
		st, err := existing.layer().Statat(existing.path())
		if err != nil {
			return nil, errnoOf(err)
		}
		existing.fillAttr(&out.Attr, st)
		return &existing.Inode, 0
	}

	child, found, errno := n.resolveChild(name)
	if errno != 0 {
		return nil, errno
	}
	if !found {
		return nil, syscall.ENOENT
	}

	if child.whiteout {
		return nil, syscall.ENOENT
	}

	st, err := child.layer().Statat(child.path())
	if err != nil {
		return nil, errnoOf(err)
	}
	childInode := n.newChildInode(ctx, child, st)
	child.fillAttr(&out.Attr, st)
	return childInode, 0
}

// resolveChild performs the layer-stack walk described in §4.D.3 for a
// single (parent, name) pair, without consulting or mutating the
// children table (the caller, Lookup, does that via NewInode).
func (n *overlayNode) resolveChild(name string) (child *overlayNode, found bool, errno syscall.Errno) {
	cp := childPath(n.overlayPath, name)

	for idx := n.layerIdx; idx <= n.lastLayerIdx && idx < len(n.root.layers); idx++ {
		layer := n.root.layers[idx]

		st, err := layer.Statat(cp)
		if err != nil {
			if err != syscall.ENOENT {
				return nil, false, errnoOf(err)
			}
			// Missing here: check the ".wh.name" fallback encoding.
			whName := whiteout.WhiteoutName(name)
			if _, werr := layer.Statat(childPath(n.overlayPath, whName)); werr == nil {
				return &overlayNode{
					root:         n.root,
					parent:       n,
					overlayPath:  cp,
					layerIdx:     idx,
					lastLayerIdx: idx,
					whiteout:     true,
				}, true, 0
			}
			continue
		}

		if whiteout.IsWhiteout(st) {
			return &overlayNode{
				root:         n.root,
				parent:       n,
				overlayPath:  cp,
				layerIdx:     idx,
				lastLayerIdx: idx,
				whiteout:     true,
			}, true, 0
		}

		child = &overlayNode{
			root:         n.root,
			parent:       n,
			overlayPath:  cp,
			layerIdx:     idx,
			lastLayerIdx: n.lastLayerIdx,
		}

		if st.Mode&unix_S_IFMT == unix_S_IFDIR && whiteout.IsOpaque(layer, cp) {
			child.lastLayerIdx = idx
		}
		return child, true, 0
	}

	return nil, false, 0
}

func (n *overlayNode) Opendir(ctx context.Context) syscall.Errno {
	_, err := n.layer().Opendir(n.path())
	if err != nil {
		return errnoOf(err)
	}
	return fs.OK
}

// mergedEntry is one name in the reload_dir merge result (§4.D).
type mergedEntry struct {
	name      string
	whiteout  bool
	fromLayer int
}

// Readdir implements reload_dir: it fans per-layer readdir out with
// errgroup (in place of a hand-rolled WaitGroup fan-out, the style
// go-fuse's unionfs.OpenDir uses), then merges top-down honoring
// whiteouts and opaque markers.
func (n *overlayNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.root.bigLock.Lock()
	lastLayer := n.lastLayerIdx
	startLayer := n.layerIdx
	cp := n.overlayPath
	layers := n.root.layers
	n.root.bigLock.Unlock()

	type perLayer struct {
		idx     int
		entries []mergedEntry
	}
	results := make([]perLayer, 0, lastLayer-startLayer+1)
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for idx := startLayer; idx <= lastLayer && idx < len(layers); idx++ {
		idx := idx
		g.Go(func() error {
			layer := layers[idx]
			dirfd, err := layer.Opendir(cp)
			if err != nil {
				return nil // a missing directory at a lower layer is not an error
			}
			dents, err := layer.Readdir(dirfd)
			if err != nil {
				return nil
			}
			var out []mergedEntry
			for _, d := range dents {
				if d.Name == "." || d.Name == ".." {
					continue
				}
				if whiteout.IsWhiteoutName(d.Name) {
					out = append(out, mergedEntry{name: whiteout.TargetOfWhiteoutName(d.Name), whiteout: true, fromLayer: idx})
					continue
				}
				if d.Type == unix_DT_CHR {
					if st, err := layer.Statat(childPath(cp, d.Name)); err == nil && whiteout.IsWhiteout(st) {
						out = append(out, mergedEntry{name: d.Name, whiteout: true, fromLayer: idx})
						continue
					}
				}
				out = append(out, mergedEntry{name: d.Name, fromLayer: idx})
			}
			mu.Lock()
			results = append(results, perLayer{idx: idx, entries: out})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errnoOf(err)
	}

	// Layers beyond this directory's own last_layer were already excluded
	// by the caller via n.lastLayerIdx (set when this directory's opaque
	// marker, if any, was discovered during its own lookup), so a
	// top-down first-writer-wins merge over [startLayer, lastLayer] is
	// all §4.D's shadowing rules require here.
	sort.Slice(results, func(i, j int) bool { return results[i].idx < results[j].idx })

	seen := map[string]bool{}
	var merged []fuse.DirEntry
	for _, pl := range results {
		for _, e := range pl.entries {
			if seen[e.name] {
				continue
			}
			seen[e.name] = true
			if e.whiteout {
				continue
			}
			st, err := layers[pl.idx].Statat(childPath(cp, e.name))
			if err != nil {
				continue
			}
			merged = append(merged, fuse.DirEntry{Name: e.name, Mode: st.Mode, Ino: st.Ino})
		}
	}

	return &staticDirStream{entries: merged}, fs.OK
}

const unix_DT_CHR = 2

// staticDirStream serves a pre-computed snapshot, matching the readdir
// contract of §4.G ("return a snapshot ... atomic at the moment the
// children table is enumerated").
type staticDirStream struct {
	entries []fuse.DirEntry
	pos     int
}

func (s *staticDirStream) HasNext() bool { return s.pos < len(s.entries) }

func (s *staticDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.pos]
	s.pos++
	return e, 0
}

func (s *staticDirStream) Close() {}
