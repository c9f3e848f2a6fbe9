// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layerstore implements component A: a trait over one overlay
// layer directory (openat/statat/readdir/readlink/xattr), plus the
// additional mutating operations a writable upper layer must support.
// Plugin-backed layer stores are out of scope (spec.md §1's "Plugin
// loading for lower-layer data sources"); Layer is the seam such a
// plugin would implement.
package layerstore

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Stat is the subset of stat(2) fields the overlay core needs, decoupled
// from syscall.Stat_t so non-POSIX-direct Layer implementations remain
// possible.
type Stat struct {
	Ino     uint64
	Dev     uint64
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint64
	Size    int64
	Atime   unix.Timespec
	Mtime   unix.Timespec
	Ctime   unix.Timespec
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	Ino  uint64
	Type uint8 // one of the DT_* constants from unix
}

// Layer is the read-only operation set every layer (upper or lower) must
// provide (§4.A).
type Layer interface {
	// Index is this layer's position in the stack; 0 is the upper layer
	// when one is configured.
	Index() int
	// IsLower reports whether this layer is read-only.
	IsLower() bool

	Openat(name string, flags int, mode uint32) (fd int, err error)
	Statat(name string) (Stat, error)
	Readlinkat(name string) (string, error)
	Listxattr(name string) ([]string, error)
	Getxattr(name, attr string) ([]byte, error)
	Opendir(name string) (dirfd int, err error)
	Readdir(dirfd int) ([]DirEntry, error)
	FileExists(name string) (bool, error)

	// RootPath returns the absolute path of this layer's root directory,
	// needed by operations (statfs(2)) that have no *at(2) variant.
	RootPath() string

	// Close releases the layer's root directory fd.
	Close() error
}

// Upper extends Layer with the mutating operations only the single
// writable layer needs to support (§4.A).
type Upper interface {
	Layer

	Mkdirat(name string, mode uint32) error
	Linkat(oldName, newName string) error
	Symlinkat(target, newName string) error
	Mknodat(name string, mode uint32, dev int) error
	Renameat2(oldName, newName string, flags uint) error
	Unlinkat(name string, dirFlag int) error
	Setxattr(name, attr string, data []byte, flags int) error
	Removexattr(name, attr string) error
	Fallocate(fd int, mode uint32, off, length int64) error
	Ftruncate(fd int, size int64) error
	Utimensat(name string, atime, mtime unix.Timespec) error
	Chmodat(name string, mode uint32) error
	Chownat(name string, uid, gid int) error

	// CanMknod reports the latched result of probing whether this
	// filesystem/process combination supports mknod(2) for character
	// devices — the dual whiteout-encoding capability decision of §9,
	// which must be probed once and cached, not treated as a package
	// global (it depends on this Upper's specific directory/process).
	CanMknod() bool
}

// posixLayer is the direct-access implementation: every operation is a
// real syscall rooted at an open directory fd, mirroring the style of
// fs/loopback_linux.go's small free functions built on golang.org/x/sys/unix.
type posixLayer struct {
	index   int
	path    string
	rootFd  int
	isLower bool

	mknodOnce sync.Once
	canMknod  bool
}

// Open opens path as a layer's root directory. isLower selects the
// read-only Layer contract; pass isLower=false to get an Upper.
func Open(path string, index int, isLower bool) (*posixLayer, error) {
	fd, err := openatNofollow(unix.AT_FDCWD, path, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("layerstore: open layer %d (%s): %w", index, path, err)
	}
	return &posixLayer{index: index, path: path, rootFd: fd, isLower: isLower}, nil
}

func (l *posixLayer) Index() int       { return l.index }
func (l *posixLayer) IsLower() bool    { return l.isLower }
func (l *posixLayer) Close() error     { return unix.Close(l.rootFd) }
func (l *posixLayer) RootPath() string { return l.path }

func (l *posixLayer) Openat(name string, flags int, mode uint32) (int, error) {
	return openatNofollow(l.rootFd, name, flags, mode)
}

func (l *posixLayer) Statat(name string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstatat(l.rootFd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return Stat{}, err
	}
	return statFromUnix(&st), nil
}

// Fstat stats an already-open file descriptor directly, the way
// overlayFile.Getattr must for a file that may have been unlinked while
// still open: a path-based Statat would recompute a now-nonexistent
// path and fail with ENOENT instead of returning the live attributes.
func Fstat(fd int) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Stat{}, err
	}
	return statFromUnix(&st), nil
}

func (l *posixLayer) Readlinkat(name string) (string, error) {
	buf := make([]byte, 1024)
	for {
		n, err := unix.Readlinkat(l.rootFd, name, buf)
		if err != nil {
			return "", err
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

func (l *posixLayer) Listxattr(name string) ([]string, error) {
	p := l.absPath(name)
	sz, err := unix.Llistxattr(p, nil)
	if err != nil {
		return nil, err
	}
	if sz == 0 {
		return nil, nil
	}
	buf := make([]byte, sz)
	n, err := unix.Llistxattr(p, buf)
	if err != nil {
		return nil, err
	}
	return splitXattrNames(buf[:n]), nil
}

func (l *posixLayer) Getxattr(name, attr string) ([]byte, error) {
	p := l.absPath(name)
	sz, err := unix.Lgetxattr(p, attr, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sz)
	n, err := unix.Lgetxattr(p, attr, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (l *posixLayer) Opendir(name string) (int, error) {
	return l.Openat(name, unix.O_DIRECTORY|unix.O_RDONLY, 0)
}

func (l *posixLayer) Readdir(dirfd int) ([]DirEntry, error) {
	f := os.NewFile(uintptr(dirfd), l.path)
	defer f.Close()

	var out []DirEntry
	for {
		names, err := f.Readdirnames(128)
		for _, n := range names {
			var st unix.Stat_t
			if err := unix.Fstatat(dirfd, n, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
				continue
			}
			out = append(out, DirEntry{Name: n, Ino: st.Ino, Type: modeToDirentType(st.Mode)})
		}
		if err != nil {
			break
		}
		if len(names) == 0 {
			break
		}
	}
	return out, nil
}

func (l *posixLayer) FileExists(name string) (bool, error) {
	_, err := l.Statat(name)
	if err == nil {
		return true, nil
	}
	if err == unix.ENOENT {
		return false, nil
	}
	return false, err
}

func (l *posixLayer) absPath(name string) string {
	return l.path + "/" + name
}

func modeToDirentType(mode uint32) uint8 {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return unix.DT_DIR
	case unix.S_IFLNK:
		return unix.DT_LNK
	case unix.S_IFCHR:
		return unix.DT_CHR
	case unix.S_IFBLK:
		return unix.DT_BLK
	case unix.S_IFIFO:
		return unix.DT_FIFO
	case unix.S_IFSOCK:
		return unix.DT_SOCK
	default:
		return unix.DT_REG
	}
}

func splitXattrNames(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func statFromUnix(st *unix.Stat_t) Stat {
	return Stat{
		Ino:   st.Ino,
		Dev:   uint64(st.Dev),
		Mode:  st.Mode,
		Nlink: uint32(st.Nlink),
		UID:   st.Uid,
		GID:   st.Gid,
		Rdev:  uint64(st.Rdev),
		Size:  st.Size,
		Atime: st.Atim,
		Mtime: st.Mtim,
		Ctime: st.Ctim,
	}
}
