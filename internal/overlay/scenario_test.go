// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package overlay

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jiafengjason/fuse-overlayfs/internal/cipher"
	"github.com/jiafengjason/fuse-overlayfs/internal/whiteout"
)

// newTestRoot builds a Root over fresh temp directories and returns the
// concrete *overlayNode NewRoot hands back, the way every scenario below
// needs direct field access (resolveChild, copyUp) that fs.InodeEmbedder
// itself doesn't expose.
func newTestRoot(t *testing.T, allowHoles bool) (root *overlayNode, lowerDir, upperDir string) {
	t.Helper()
	lowerDir = t.TempDir()
	upperDir = t.TempDir()
	workDir := t.TempDir()

	bc, err := cipher.New("test-passphrase", cipher.KeyBits256, cipher.DefaultBlockSize, allowHoles)
	require.NoError(t, err)

	embedder, err := NewRoot(Params{
		Lowers:  []string{lowerDir},
		Upper:   upperDir,
		Workdir: workDir,
		Cipher:  bc,
		Fsync:   true,
	})
	require.NoError(t, err)

	root, ok := embedder.(*overlayNode)
	require.True(t, ok, "NewRoot must return a *overlayNode")
	return root, lowerDir, upperDir
}

// lookupPathSegments walks name segment by segment via resolveChild,
// mirroring what Lookup does minus the fs.Inode bookkeeping, so scenario
// tests can reach a node deep in the tree without a live kernel mount.
func lookupPathSegments(t *testing.T, root *overlayNode, segs []string) *overlayNode {
	t.Helper()
	n := root
	for _, seg := range segs {
		child, found, errno := n.resolveChild(seg)
		require.Zero(t, errno, "resolveChild(%q)", seg)
		require.True(t, found, "resolveChild(%q) not found", seg)
		n = child
	}
	return n
}

func TestScenarioReadFromLowerLeavesUpperUntouched(t *testing.T) {
	root, lowerDir, upperDir := newTestRoot(t, true)
	require.NoError(t, os.MkdirAll(filepath.Join(lowerDir, "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lowerDir, "a", "x.txt"), []byte("hello\n"), 0644))

	fileNode := lookupPathSegments(t, root, []string{"a", "x.txt"})
	require.False(t, fileNode.onUpper())

	fh, _, errno := fileNode.Open(context.Background(), unix.O_RDONLY)
	require.Zero(t, errno)
	of := fh.(*overlayFile)
	defer of.Release(context.Background())

	buf := make([]byte, 64)
	res, errno := of.Read(context.Background(), buf, 0)
	require.Zero(t, errno)
	data, st := res.Bytes(buf)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, "hello\n", string(data))

	entries, err := os.ReadDir(upperDir)
	require.NoError(t, err)
	require.Empty(t, entries, "a read-only open must not touch the upper directory")
}

func TestScenarioWriteTriggersCopyUp(t *testing.T) {
	root, lowerDir, upperDir := newTestRoot(t, true)
	require.NoError(t, os.MkdirAll(filepath.Join(lowerDir, "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lowerDir, "a", "x.txt"), []byte("hello\n"), 0644))

	fileNode := lookupPathSegments(t, root, []string{"a", "x.txt"})
	require.False(t, fileNode.onUpper())

	fh, _, errno := fileNode.Open(context.Background(), unix.O_RDWR)
	require.Zero(t, errno)
	of := fh.(*overlayFile)
	defer of.Release(context.Background())

	require.True(t, fileNode.onUpper(), "opening for write must copy the node up")

	n, errno := of.Write(context.Background(), []byte("H"), 0)
	require.Zero(t, errno)
	require.EqualValues(t, 1, n)

	upperPath := filepath.Join(upperDir, "a", "x.txt")
	fi, err := os.Stat(upperPath)
	require.NoError(t, err)
	require.EqualValues(t, 6, fi.Size(), "upper file must be the ciphertext length of the plaintext, not the 1-byte write")

	raw, err := os.ReadFile(upperPath)
	require.NoError(t, err)
	require.NotEqual(t, []byte("Hello\n"), raw, "upper-layer content must be ciphertext, not plaintext")

	buf := make([]byte, 64)
	res, errno := of.Read(context.Background(), buf, 0)
	require.Zero(t, errno)
	data, st := res.Bytes(buf)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, "Hello\n", string(data))
}

func TestScenarioUnlinkLeavesWhiteoutWhenLowerHasName(t *testing.T) {
	root, lowerDir, upperDir := newTestRoot(t, true)
	require.NoError(t, os.MkdirAll(filepath.Join(lowerDir, "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lowerDir, "a", "x.txt"), []byte("hello\n"), 0644))

	aNode := lookupPathSegments(t, root, []string{"a"})
	errno := aNode.Unlink(context.Background(), "x.txt")
	require.Zero(t, errno)

	child, found, errno := aNode.resolveChild("x.txt")
	require.Zero(t, errno)
	require.True(t, found && child.whiteout, "a deleted-with-whiteout name must resolve only to its whiteout")

	upperEntryPath := filepath.Join(upperDir, "a", "x.txt")
	fi, err := os.Lstat(upperEntryPath)
	if err == nil {
		require.NotZero(t, fi.Mode()&os.ModeCharDevice, "the non-.wh. whiteout encoding must be a character device")
	} else {
		_, err := os.Lstat(filepath.Join(upperDir, "a", ".wh.x.txt"))
		require.NoError(t, err, "expected either a char-device or a .wh. marker after unlink")
	}
}

func TestScenarioMkdirOverLowerFileFails(t *testing.T) {
	root, lowerDir, _ := newTestRoot(t, true)
	require.NoError(t, os.MkdirAll(lowerDir+"/a", 0755))
	require.NoError(t, os.WriteFile(lowerDir+"/a/sub", []byte("x"), 0644))

	aNode := lookupPathSegments(t, root, []string{"a"})
	_, errno := aNode.Mkdir(context.Background(), "sub", 0755, &fuse.EntryOut{})
	require.Equal(t, unix.EEXIST, errno)
}

func TestScenarioMkdirFreshDirGetsOpaqueMarkerAndEmptyReaddir(t *testing.T) {
	root, _, upperDir := newTestRoot(t, true)

	_, errno := root.Mkdir(context.Background(), "b", 0755, &fuse.EntryOut{})
	require.Zero(t, errno)

	bNode := lookupPathSegments(t, root, []string{"b"})
	stream, errno := bNode.Readdir(context.Background())
	require.Zero(t, errno)
	require.False(t, stream.HasNext(), "a freshly created directory must read back empty")

	_, err := os.Lstat(filepath.Join(upperDir, "b"))
	require.NoError(t, err)
	require.True(t, whiteout.IsOpaque(root.root.upper, "b"), "a freshly created directory must carry the opaque marker")
}

func TestScenarioZeroWriteHolePassthrough(t *testing.T) {
	root, _, upperDir := newTestRoot(t, true)

	out := &fuse.EntryOut{}
	_, fh, _, errno := root.Create(context.Background(), "fresh.bin", unix.O_RDWR|unix.O_CREAT, 0644, out)
	require.Zero(t, errno)
	of := fh.(*overlayFile)
	defer of.Release(context.Background())

	zeros := make([]byte, 4096)
	n, errno := of.Write(context.Background(), zeros, 0)
	require.Zero(t, errno)
	require.EqualValues(t, 4096, n)

	buf := make([]byte, 4096)
	res, errno := of.Read(context.Background(), buf, 0)
	require.Zero(t, errno)
	data, st := res.Bytes(buf)
	require.Equal(t, fuse.OK, st)
	require.True(t, cipher.IsZeroBlock(data[:4096]))

	raw, err := os.ReadFile(filepath.Join(upperDir, "fresh.bin"))
	require.NoError(t, err)
	require.True(t, cipher.IsZeroBlock(raw[:len(raw)]), "allow_holes must leave a zero-block on disk rather than ciphertext")
}

func TestBoundaryPartialBlockWriteReadsBackExactSize(t *testing.T) {
	root, _, _ := newTestRoot(t, true)

	out := &fuse.EntryOut{}
	_, fh, _, errno := root.Create(context.Background(), "partial.bin", unix.O_RDWR|unix.O_CREAT, 0644, out)
	require.Zero(t, errno)
	of := fh.(*overlayFile)
	defer of.Release(context.Background())

	payload := []byte("not a full block")
	n, errno := of.Write(context.Background(), payload, 0)
	require.Zero(t, errno)
	require.EqualValues(t, len(payload), n)

	fileNode := lookupPathSegments(t, root, []string{"partial.bin"})
	st, err := fileNode.layer().Statat(fileNode.path())
	require.NoError(t, err)
	require.EqualValues(t, len(payload), st.Size, "stat must report the exact logical size, not the padded block size on disk")

	buf := make([]byte, len(payload))
	res, errno := of.Read(context.Background(), buf, 0)
	require.Zero(t, errno)
	data, fst := res.Bytes(buf)
	require.Equal(t, fuse.OK, fst)
	require.Equal(t, payload, data)
}

func TestBoundaryWritePastEOFLeavesZeroGap(t *testing.T) {
	root, _, _ := newTestRoot(t, true)

	out := &fuse.EntryOut{}
	_, fh, _, errno := root.Create(context.Background(), "gap.bin", unix.O_RDWR|unix.O_CREAT, 0644, out)
	require.Zero(t, errno)
	of := fh.(*overlayFile)
	defer of.Release(context.Background())

	n, errno := of.Write(context.Background(), []byte("AB"), 0)
	require.Zero(t, errno)
	require.EqualValues(t, 2, n)

	gapStart := int64(2)
	tailOff := int64(2000)
	n, errno = of.Write(context.Background(), []byte("Z"), tailOff)
	require.Zero(t, errno)
	require.EqualValues(t, 1, n)

	gapLen := int(tailOff - gapStart)
	buf := make([]byte, gapLen)
	res, errno := of.Read(context.Background(), buf, gapStart)
	require.Zero(t, errno)
	data, fst := res.Bytes(buf)
	require.Equal(t, fuse.OK, fst)
	require.Len(t, data, gapLen, "a read spanning the gap must not stop short at the old EOF")
	for i, b := range data {
		require.Zerof(t, b, "gap byte %d must read back zero, got %d", i, b)
	}
}

func TestBoundaryRenameDirectoryPartlyOnLowerFailsEXDEV(t *testing.T) {
	root, lowerDir, _ := newTestRoot(t, true)
	require.NoError(t, os.MkdirAll(filepath.Join(lowerDir, "dir", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lowerDir, "dir", "sub", "leaf.txt"), []byte("x"), 0644))

	dirNode := lookupPathSegments(t, root, []string{"dir"})
	require.False(t, dirNode.onUpper())

	errno := root.Rename(context.Background(), "dir", root, "dir2", 0)
	require.Equal(t, unix.EXDEV, errno, "renaming a directory whose subtree is partly on a lower layer must fail cross-device")
}

func TestBoundaryRenameDirectoryFullyOnUpperSucceeds(t *testing.T) {
	root, _, upperDir := newTestRoot(t, true)

	_, errno := root.Mkdir(context.Background(), "dir", 0755, &fuse.EntryOut{})
	require.Zero(t, errno)

	errno = root.Rename(context.Background(), "dir", root, "dir2", 0)
	require.Zero(t, errno, "renaming a directory whose whole subtree already lives on upper must succeed")

	_, err := os.Lstat(filepath.Join(upperDir, "dir2"))
	require.NoError(t, err)
	_, err = os.Lstat(filepath.Join(upperDir, "dir"))
	require.True(t, os.IsNotExist(err))
}

func TestInvariantCopyUpPreservesAttributes(t *testing.T) {
	root, lowerDir, upperDir := newTestRoot(t, true)
	lowerPath := filepath.Join(lowerDir, "attrs.txt")
	require.NoError(t, os.WriteFile(lowerPath, []byte("hello\n"), 0644))

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	atime := time.Date(2020, 6, 7, 8, 9, 10, 0, time.UTC)
	require.NoError(t, os.Chtimes(lowerPath, atime, mtime))
	require.NoError(t, unix.Lsetxattr(lowerPath, "user.marker", []byte("keep-me"), 0))

	fileNode := lookupPathSegments(t, root, []string{"attrs.txt"})
	require.False(t, fileNode.onUpper())

	fh, _, errno := fileNode.Open(context.Background(), unix.O_RDWR)
	require.Zero(t, errno)
	of := fh.(*overlayFile)
	defer of.Release(context.Background())
	require.True(t, fileNode.onUpper())

	upperPath := filepath.Join(upperDir, "attrs.txt")
	fi, err := os.Stat(upperPath)
	require.NoError(t, err)
	require.EqualValues(t, 6, fi.Size(), "copy-up must preserve the plaintext's byte length")
	require.WithinDuration(t, mtime, fi.ModTime(), time.Second)

	got := make([]byte, 64)
	n, err := unix.Lgetxattr(upperPath, "user.marker", got)
	require.NoError(t, err)
	require.Equal(t, "keep-me", string(got[:n]), "copy-up must carry user-visible xattrs over")
}

func TestInvariantRepeatedLookupReturnsSameInode(t *testing.T) {
	root, lowerDir, _ := newTestRoot(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(lowerDir, "same.txt"), []byte("x"), 0644))

	first, errno := root.Lookup(context.Background(), "same.txt", &fuse.EntryOut{})
	require.Zero(t, errno)
	second, errno := root.Lookup(context.Background(), "same.txt", &fuse.EntryOut{})
	require.Zero(t, errno)

	require.Same(t, first, second, "two lookups of the same name must hand back one Inode, not aliases")
}

func TestInvariantChildrenTableAgreesWithLookup(t *testing.T) {
	root, lowerDir, _ := newTestRoot(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(lowerDir, "tracked.txt"), []byte("x"), 0644))

	got, errno := root.Lookup(context.Background(), "tracked.txt", &fuse.EntryOut{})
	require.Zero(t, errno)

	require.Same(t, got, root.GetChild("tracked.txt"), "the parent's children table must reference the exact Inode Lookup returned")
}

func TestSetattrAtimeMtimeIndependent(t *testing.T) {
	root, lowerDir, _ := newTestRoot(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(lowerDir, "times.txt"), []byte("x"), 0644))

	fileNode := lookupPathSegments(t, root, []string{"times.txt"})
	require.False(t, fileNode.onUpper())

	requireUtimensIndependent(t,
		func(in *fuse.SetAttrIn) (fuse.AttrOut, syscall.Errno) {
			var out fuse.AttrOut
			errno := fileNode.Setattr(context.Background(), nil, in, &out)
			return out, errno
		},
		func() (atime, mtime time.Time) {
			st, err := fileNode.layer().Statat(fileNode.path())
			require.NoError(t, err)
			return time.Unix(st.Atime.Sec, st.Atime.Nsec), time.Unix(st.Mtime.Sec, st.Mtime.Nsec)
		},
	)
	require.True(t, fileNode.onUpper(), "Setattr must copy-up before touching times")
}

func TestInvariantWhiteoutHiddenAbsentTrichotomy(t *testing.T) {
	root, lowerDir, _ := newTestRoot(t, true)
	require.NoError(t, os.MkdirAll(filepath.Join(lowerDir, "d"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lowerDir, "d", "present.txt"), []byte("x"), 0644))

	dNode := lookupPathSegments(t, root, []string{"d"})

	present, found, errno := dNode.resolveChild("present.txt")
	require.Zero(t, errno)
	require.True(t, found)
	require.False(t, present.whiteout, "a name that exists and isn't deleted must resolve as a live entry")

	errno = dNode.Unlink(context.Background(), "present.txt")
	require.Zero(t, errno)
	hidden, found, errno := dNode.resolveChild("present.txt")
	require.Zero(t, errno)
	require.True(t, found, "a whiteout-covered name still resolves, as a tombstone, not a miss")
	require.True(t, hidden.whiteout, "a name deleted over a lower entry must resolve as a whiteout, not disappear silently")

	_, found, errno = dNode.resolveChild("never-existed.txt")
	require.Zero(t, errno)
	require.False(t, found, "a name absent from every layer must report not-found, distinct from a whiteout tombstone")
}
