// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package overlay

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jiafengjason/fuse-overlayfs/internal/layerstore"
)

// overlayFile is the per-open-file handle (§4.H): an fd into whichever
// layer is currently serving the node's content, plus access to the
// owning node's single-block cache. Unlike go-fuse's LoopbackFile, it
// carries no mutex of its own — the node's mu already serializes the
// cache every read/write touches.
type overlayFile struct {
	node *overlayNode
	fd   int
}

func newOverlayFile(node *overlayNode, fd int) *overlayFile {
	return &overlayFile{node: node, fd: fd}
}

var (
	_ fs.FileHandle    = (*overlayFile)(nil)
	_ fs.FileReleaser  = (*overlayFile)(nil)
	_ fs.FileGetattrer = (*overlayFile)(nil)
	_ fs.FileReader    = (*overlayFile)(nil)
	_ fs.FileWriter    = (*overlayFile)(nil)
	_ fs.FileFlusher   = (*overlayFile)(nil)
	_ fs.FileFsyncer   = (*overlayFile)(nil)
	_ fs.FileAllocater = (*overlayFile)(nil)
	_ fs.FileGetlker   = (*overlayFile)(nil)
	_ fs.FileSetlker   = (*overlayFile)(nil)
	_ fs.FileSetlkwer  = (*overlayFile)(nil)
)

// Open implements §4.G's open contract: a read-only open is served from
// whichever layer currently provides the content; any write-capable open
// first copies the node up, matching ensureUpperForWrite's use elsewhere.
func (n *overlayNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	if n.whiteout {
		return nil, 0, syscall.ENOENT
	}

	openFlags := int(flags) &^ unix.O_CREAT &^ unix.O_EXCL

	var (
		fd  int
		err error
	)
	if flags&unix.O_ACCMODE != unix.O_RDONLY {
		openFlags &^= unix.O_APPEND
		if openFlags&unix.O_ACCMODE == unix.O_WRONLY {
			openFlags = (openFlags &^ unix.O_ACCMODE) | unix.O_RDWR
		}
		upper, errno := n.ensureUpperForWrite(ctx)
		if errno != 0 {
			return nil, 0, errno
		}
		fd, err = upper.Openat(n.path(), openFlags, 0)
	} else {
		fd, err = n.layer().Openat(n.path(), openFlags, 0)
	}
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	return newOverlayFile(n, fd), 0, 0
}

func (f *overlayFile) Release(ctx context.Context) syscall.Errno {
	return errnoOf(unix.Close(f.fd))
}

func (f *overlayFile) Flush(ctx context.Context) syscall.Errno {
	newFd, err := unix.Dup(f.fd)
	if err != nil {
		return errnoOf(err)
	}
	return errnoOf(unix.Close(newFd))
}

func (f *overlayFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if !f.node.root.fsync {
		return fs.OK
	}
	return errnoOf(unix.Fsync(f.fd))
}

func (f *overlayFile) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	st, err := layerstore.Fstat(f.fd)
	if err != nil {
		return errnoOf(err)
	}
	f.node.fillAttr(&out.Attr, st)
	return fs.OK
}

// Read implements §4.H's read pipeline. Content not currently served from
// upper bypasses the cipher entirely (§4.H: "the engine is engaged only
// for regular files whose current layer == upper"); the kernel splice
// path serves that case directly off the source fd. Per §5, the big lock
// is held across the whole pipeline call for an upper-layer data file,
// nesting big-lock → node-lock.
func (f *overlayFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n := f.node
	if !n.onUpper() {
		return fuse.ReadResultFd(uintptr(f.fd), off, len(dest)), fs.OK
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	bs := int64(n.root.cipher.BlockSize())
	block := off / bs

	if off%bs == 0 && int64(len(dest)) <= bs {
		data, dataLen, err := n.cacheReadOneBlock(f.fd, block*bs)
		if err != nil {
			return nil, errnoOf(err)
		}
		if dataLen > len(dest) {
			dataLen = len(dest)
		}
		return fuse.ReadResultData(data[:dataLen]), fs.OK
	}

	out := make([]byte, 0, len(dest))
	pos := off
	want := len(dest)
	for want > 0 {
		blockOff := (pos / bs) * bs
		within := int(pos - blockOff)

		data, dataLen, err := n.cacheReadOneBlock(f.fd, blockOff)
		if err != nil {
			return nil, errnoOf(err)
		}
		if within >= dataLen {
			break // past EOF
		}

		take := dataLen - within
		if take > want {
			take = want
		}
		out = append(out, data[within:within+take]...)

		pos += int64(take)
		want -= take
		if dataLen < int(bs) {
			break // short block observed: EOF
		}
	}
	return fuse.ReadResultData(out), fs.OK
}

// Write implements §4.H's write pipeline: pad first if the write starts
// past the current file size, then encode each affected block, merging
// with the existing block content via the cache for anything not block-
// aligned. Per §5, the big lock is held across the whole pipeline call.
func (f *overlayFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n := f.node
	if !n.onUpper() {
		return 0, syscall.EROFS
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	bs := int64(n.root.cipher.BlockSize())

	st, err := n.root.upper.Statat(n.path())
	if err != nil {
		return 0, errnoOf(err)
	}
	if off > st.Size {
		if err := n.padFile(f.fd, st.Size, off, false); err != nil {
			return 0, errnoOf(err)
		}
	}

	var written int
	pos := off
	buf := data
	for len(buf) > 0 {
		blockOff := (pos / bs) * bs
		within := int(pos - blockOff)
		room := int(bs) - within
		chunk := room
		if chunk > len(buf) {
			chunk = len(buf)
		}

		if within == 0 && chunk == int(bs) {
			if err := n.cacheWriteOneBlock(f.fd, blockOff, buf[:chunk], chunk); err != nil {
				return uint32(written), errnoOf(err)
			}
		} else {
			existing, existingLen, err := n.cacheReadOneBlock(f.fd, blockOff)
			if err != nil {
				return uint32(written), errnoOf(err)
			}
			merged := make([]byte, bs)
			copy(merged, existing[:existingLen])
			copy(merged[within:], buf[:chunk])
			newLen := within + chunk
			if newLen < existingLen {
				newLen = existingLen
			}
			if err := n.cacheWriteOneBlock(f.fd, blockOff, merged[:newLen], newLen); err != nil {
				return uint32(written), errnoOf(err)
			}
		}

		written += chunk
		pos += int64(chunk)
		buf = buf[chunk:]
	}
	return uint32(written), fs.OK
}

// cacheReadOneBlock implements §4.H's cacheReadOneBlock: always issue a
// full-block underlying pread even for a shorter logical request, so the
// per-node cache always holds a whole (decoded) block. A short underlying
// read defines the file's EOF within this block.
func (n *overlayNode) cacheReadOneBlock(fd int, blockOffset int64) ([]byte, int, error) {
	n.mu.Lock()
	if n.cache.valid && n.cache.offset == blockOffset {
		data, dataLen := n.cache.data, n.cache.dataLen
		n.mu.Unlock()
		return data, dataLen, nil
	}
	n.mu.Unlock()

	bs := n.root.cipher.BlockSize()
	raw := make([]byte, bs)
	nr, err := unix.Pread(fd, raw, blockOffset)
	if err != nil {
		return nil, 0, err
	}

	var plain []byte
	if nr > 0 {
		block := uint64(blockOffset) / uint64(bs)
		if nr == bs {
			plain, err = n.root.cipher.DecodeBlock(block, raw)
		} else {
			plain, err = n.root.cipher.DecodeTail(block, raw[:nr])
		}
		if err != nil {
			return nil, 0, err
		}
	}

	n.mu.Lock()
	n.cache.offset = blockOffset
	n.cache.data = plain
	n.cache.dataLen = nr
	n.cache.valid = true
	n.mu.Unlock()
	return plain, nr, nil
}

// cacheWriteOneBlock implements §4.H's cacheWriteOneBlock: copy caller
// data into the node's own buffer before encrypting in place, so the
// caller's slice is never mutated, then pwrite the ciphertext. The cache
// is cleared on failure, since whatever is now on disk no longer matches
// any cached plaintext.
func (n *overlayNode) cacheWriteOneBlock(fd int, blockOffset int64, plain []byte, plainLen int) error {
	bs := n.root.cipher.BlockSize()

	// kept aside because EncodeTail encrypts its argument in place; the
	// cache must retain the plaintext, not whatever that buffer becomes.
	cached := make([]byte, plainLen)
	copy(cached, plain[:plainLen])

	buf := make([]byte, plainLen)
	copy(buf, plain[:plainLen])

	var (
		ciphertext []byte
		err        error
	)
	block := uint64(blockOffset) / uint64(bs)
	if plainLen == bs {
		ciphertext, err = n.root.cipher.EncodeBlock(block, buf)
	} else {
		ciphertext, err = n.root.cipher.EncodeTail(block, buf)
	}
	if err != nil {
		n.invalidateCache()
		return err
	}

	if _, err := unix.Pwrite(fd, ciphertext, blockOffset); err != nil {
		n.invalidateCache()
		return err
	}

	n.mu.Lock()
	n.cache.offset = blockOffset
	n.cache.data = cached
	n.cache.dataLen = plainLen
	n.cache.valid = true
	n.mu.Unlock()
	return nil
}

func (n *overlayNode) invalidateCache() {
	n.mu.Lock()
	n.cache.valid = false
	n.mu.Unlock()
}

// padFile implements §4.H's padFile(old, new, force): a no-op when the
// write stays within the same block and force wasn't requested (the next
// real write will handle the padding); otherwise it zero-extends the old
// tail block to a full block, zero-fills any fully-skipped intervening
// blocks unless holes are allowed, and — when force is set — also writes
// the new tail block's leading zeros.
func (n *overlayNode) padFile(fd int, oldSize, newOff int64, force bool) error {
	bs := int64(n.root.cipher.BlockSize())
	oldBlock := oldSize / bs
	newBlock := newOff / bs

	if oldBlock == newBlock && !force {
		return nil
	}

	tailOff := oldBlock * bs
	within := int(oldSize - tailOff)
	if within > 0 && within < int(bs) {
		existing, existingLen, err := n.cacheReadOneBlock(fd, tailOff)
		if err != nil {
			return err
		}
		merged := make([]byte, bs)
		copy(merged, existing[:existingLen])
		if err := n.cacheWriteOneBlock(fd, tailOff, merged, int(bs)); err != nil {
			return err
		}
	}

	if !n.root.cipher.AllowHoles() {
		zeros := make([]byte, bs)
		for b := oldBlock + 1; b < newBlock; b++ {
			if err := n.cacheWriteOneBlock(fd, b*bs, zeros, int(bs)); err != nil {
				return err
			}
		}
	}

	if force {
		newTailOff := newBlock * bs
		newWithin := int(newOff - newTailOff)
		if newWithin > 0 {
			zeros := make([]byte, newWithin)
			if err := n.cacheWriteOneBlock(fd, newTailOff, zeros, newWithin); err != nil {
				return err
			}
		}
	}
	return nil
}

// Allocate forwards to fallocate(2), invalidating the cache since the
// file's size or the sparseness of the region it covers may change
// underneath it. Held under the big lock like Read/Write (§5); unlike
// Setattr's Ftruncate bracket, fallocate(2) is not released around since
// it operates on the already-encrypted upper file directly, not through
// the cache pipeline's merge-then-pwrite sequence.
func (f *overlayFile) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	n := f.node
	if !n.onUpper() {
		return syscall.EROFS
	}

	n.root.bigLock.Lock()
	defer n.root.bigLock.Unlock()

	err := n.root.upper.Fallocate(f.fd, mode, int64(off), int64(size))
	n.invalidateCache()
	if err != nil {
		return errnoOf(err)
	}
	return fs.OK
}

// Getlk/Setlk/Setlkw implement the flock/POSIX-lock passthrough
// supplemented from the original implementation (§9): forwarded to the
// upper-layer fd when the node is on upper, ENOSYS otherwise, since locks
// taken against a lower layer's fd would not survive a later copy-up.
const (
	ofdGetLk  = 36
	ofdSetLk  = 37
	ofdSetLkw = 38
)

func (f *overlayFile) Getlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32, out *fuse.FileLock) syscall.Errno {
	if !f.node.onUpper() {
		return syscall.ENOSYS
	}
	flk := syscall.Flock_t{}
	lk.ToFlockT(&flk)
	errno := errnoOf(syscall.FcntlFlock(uintptr(f.fd), ofdGetLk, &flk))
	out.FromFlockT(&flk)
	return errno
}

func (f *overlayFile) Setlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	return f.setLock(owner, lk, flags, false)
}

func (f *overlayFile) Setlkw(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	return f.setLock(owner, lk, flags, true)
}

func (f *overlayFile) setLock(owner uint64, lk *fuse.FileLock, flags uint32, blocking bool) syscall.Errno {
	if !f.node.onUpper() {
		return syscall.ENOSYS
	}
	if flags&fuse.FUSE_LK_FLOCK != 0 {
		var op int
		switch lk.Typ {
		case syscall.F_RDLCK:
			op = syscall.LOCK_SH
		case syscall.F_WRLCK:
			op = syscall.LOCK_EX
		case syscall.F_UNLCK:
			op = syscall.LOCK_UN
		default:
			return syscall.EINVAL
		}
		if !blocking {
			op |= syscall.LOCK_NB
		}
		return errnoOf(syscall.Flock(f.fd, op))
	}

	flk := syscall.Flock_t{}
	lk.ToFlockT(&flk)
	op := ofdSetLk
	if blocking {
		op = ofdSetLkw
	}
	return errnoOf(syscall.FcntlFlock(uintptr(f.fd), op, &flk))
}
