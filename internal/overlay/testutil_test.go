// Copyright 2018 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package overlay

import (
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"
)

// requireUtimensIndependent drives setattrFn through two Setattr calls —
// atime only, then mtime only — checking that each sets its field and
// that the mtime-only call leaves atime untouched. Adapted from go-fuse's
// TestLoopbackUtimens, which exercises the same independence property
// against a raw loopback file instead of an overlayNode.
func requireUtimensIndependent(t *testing.T, setattrFn func(in *fuse.SetAttrIn) (fuse.AttrOut, syscall.Errno), readBack func() (atime, mtime time.Time)) {
	t.Helper()

	t0 := time.Unix(1525291058, 0)
	var in fuse.SetAttrIn
	in.Valid = fuse.FATTR_ATIME
	in.SetATime(t0)
	_, errno := setattrFn(&in)
	require.Zero(t, errno)
	a1, m1 := readBack()
	require.WithinDuration(t, t0, a1, time.Second)

	t1 := t0.Add(123 * time.Second)
	in = fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_MTIME
	in.SetMTime(t1)
	_, errno = setattrFn(&in)
	require.Zero(t, errno)
	a2, m2 := readBack()
	require.WithinDuration(t, a1, a2, time.Second, "atime must not change when only mtime is set")
	require.WithinDuration(t, t1, m2, time.Second)
	require.NotEqual(t, m1, m2)
}
