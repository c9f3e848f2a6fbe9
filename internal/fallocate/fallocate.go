// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fallocate wraps fallocate(2) (or the closest platform
// equivalent) behind one portable entry point, the way go-fuse keeps
// GOOS-specific syscalls out of fs proper.
package fallocate

// Fallocate preallocates sz bytes of fd starting at off, honoring mode's
// FALLOC_FL_* bits where the platform supports them.
func Fallocate(fd int, mode uint32, off int64, sz int64) error {
	return fallocate(fd, mode, off, sz)
}
