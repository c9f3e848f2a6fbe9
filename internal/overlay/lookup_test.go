// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package overlay

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/jiafengjason/fuse-overlayfs/internal/cipher"
)

// newMultiLowerTestRoot is newTestRoot's multi-lower sibling: §4.D's
// reload_dir merge only has something to shadow across once more than one
// lower layer is in the stack, which the single-lower newTestRoot can't
// exercise.
func newMultiLowerTestRoot(t *testing.T, lowerDirs []string) *overlayNode {
	t.Helper()
	upperDir := t.TempDir()
	workDir := t.TempDir()

	bc, err := cipher.New("test-passphrase", cipher.KeyBits256, cipher.DefaultBlockSize, true)
	require.NoError(t, err)

	embedder, err := NewRoot(Params{
		Lowers:  lowerDirs,
		Upper:   upperDir,
		Workdir: workDir,
		Cipher:  bc,
		Fsync:   true,
	})
	require.NoError(t, err)

	root, ok := embedder.(*overlayNode)
	require.True(t, ok, "NewRoot must return a *overlayNode")
	return root
}

func readdirNames(t *testing.T, n *overlayNode) []string {
	t.Helper()
	stream, errno := n.Readdir(context.Background())
	require.Zero(t, errno)
	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Zero(t, errno)
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

// TestReaddirMergesAcrossLowersHonoringWhiteoutAndOpaque drives the
// reload_dir merge of §4.D across two lower layers: lowerA shadows one
// name in lowerB with a ".wh." marker, and a second directory in lowerA
// carries the opaque marker, which must stop the merge from descending
// into lowerB's copy of that directory at all.
func TestReaddirMergesAcrossLowersHonoringWhiteoutAndOpaque(t *testing.T) {
	lowerA := t.TempDir() // higher precedence: Lowers[0]
	lowerB := t.TempDir() // lower precedence: Lowers[1]

	require.NoError(t, os.MkdirAll(filepath.Join(lowerA, "dir"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(lowerB, "dir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lowerA, "dir", "onlyA.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(lowerB, "dir", "onlyB.txt"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(lowerB, "dir", "shadowed.txt"), []byte("b"), 0644))
	// lowerA whites out "shadowed.txt", so lowerB's copy must not surface.
	require.NoError(t, os.WriteFile(filepath.Join(lowerA, "dir", ".wh.shadowed.txt"), nil, 0600))

	require.NoError(t, os.MkdirAll(filepath.Join(lowerA, "dir2"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(lowerB, "dir2"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lowerA, "dir2", "onlyA2.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(lowerB, "dir2", "onlyB2.txt"), []byte("b"), 0644))
	// lowerA's dir2 is opaque: lowerB's dir2 must be invisible entirely.
	require.NoError(t, os.WriteFile(filepath.Join(lowerA, "dir2", ".wh..wh..opq"), nil, 0600))

	root := newMultiLowerTestRoot(t, []string{lowerA, lowerB})

	dirNode := lookupPathSegments(t, root, []string{"dir"})
	gotDir := readdirNames(t, dirNode)
	wantDir := []string{"onlyA.txt", "onlyB.txt"}
	if diff := pretty.Compare(gotDir, wantDir); diff != "" {
		t.Errorf("dir merge mismatch (-got +want):\n%s", diff)
	}

	dir2Node := lookupPathSegments(t, root, []string{"dir2"})
	require.Equal(t, dir2Node.layerIdx, dir2Node.lastLayerIdx, "an opaque directory's lastLayerIdx must pin descent to the layer that defines it")
	gotDir2 := readdirNames(t, dir2Node)
	wantDir2 := []string{"onlyA2.txt"}
	if diff := pretty.Compare(gotDir2, wantDir2); diff != "" {
		t.Errorf("opaque dir2 merge mismatch (-got +want):\n%s", diff)
	}
}
