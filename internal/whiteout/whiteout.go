// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package whiteout implements component E: creating and recognizing the
// two whiteout encodings and the opaque-directory marker, against an
// internal/layerstore.Upper. It holds no state of its own beyond what the
// Upper it's given already latches (the mknod capability probe lives on
// the Upper, per §9 — a runtime capability decision, not a package
// global).
package whiteout

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/jiafengjason/fuse-overlayfs/internal/layerstore"
)

const (
	// whiteoutMode is the mode of the preferred whiteout encoding: a
	// character device node with major:minor 0:0, the same convention used
	// by the kernel's own overlayfs.
	whiteoutMode = unix.S_IFCHR | 0000

	// fallbackPrefix makes the ".wh.NAME" fallback encoding used when
	// mknod is unavailable.
	fallbackPrefix = ".wh."

	// opaqueMarkerFile is the fallback opaque-directory encoding when
	// neither xattr form is writable.
	opaqueMarkerFile = ".wh..wh..opq"

	// OpaqueXattrTrusted is the preferred, privileged opaque-directory
	// xattr name.
	OpaqueXattrTrusted = "trusted.overlay.opaque"
	// OpaqueXattrUser is the unprivileged fallback opaque-directory xattr.
	OpaqueXattrUser = "user.fuseoverlayfs.opaque"

	opaqueValue = "y"
)

// WhiteoutName returns the fallback-encoding file name for name: the
// ".wh." prefix is inserted before the last path component, so callers
// may pass either a bare entry name or a path relative to a layer root
// (e.g. "dir/sub/file" becomes "dir/sub/.wh.file").
func WhiteoutName(name string) string {
	dir, base := splitPath(name)
	if dir == "" {
		return fallbackPrefix + base
	}
	return dir + "/" + fallbackPrefix + base
}

// IsWhiteoutName reports whether name's last path component is itself a
// ".wh." sentinel name (distinct from IsWhiteout, which inspects a stat
// result for the character-device encoding).
func IsWhiteoutName(name string) bool {
	_, base := splitPath(name)
	return len(base) > len(fallbackPrefix) && base[:len(fallbackPrefix)] == fallbackPrefix
}

// TargetOfWhiteoutName strips the ".wh." prefix, returning the name the
// whiteout covers. Callers must have already verified IsWhiteoutName.
func TargetOfWhiteoutName(name string) string {
	dir, base := splitPath(name)
	target := base[len(fallbackPrefix):]
	if dir == "" {
		return target
	}
	return dir + "/" + target
}

// splitPath splits name into its directory and final component, the way
// path.Split does but without a trailing slash on dir.
func splitPath(name string) (dir, base string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}

// IsWhiteout reports whether st describes a char-device (0,0) whiteout
// node (the preferred encoding, synthesized by the lookup engine once a
// parent/name pair resolves to one).
func IsWhiteout(st layerstore.Stat) bool {
	return st.Mode&unix.S_IFMT == unix.S_IFCHR && st.Rdev == 0
}

// CreateWhiteout implements the create_whiteout contract of §4.E: if
// forceCreate is false and no lower layer exposes name, this is a no-op.
// Otherwise it attempts the device-node encoding first, falling back to
// the ".wh.name" sentinel file on EPERM/ENOTSUP/EOPNOTSUPP, and succeeds
// idempotently if the existing entry is already a valid whiteout. name
// is a path relative to upper's root (a bare entry name for a top-level
// whiteout, or "dir/.../name" for a nested one).
func CreateWhiteout(upper layerstore.Upper, name string, forceCreate, lowerHasName bool) error {
	if !forceCreate && !lowerHasName {
		return nil
	}

	if upper.CanMknod() {
		err := upper.Mknodat(name, whiteoutMode, 0)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EEXIST):
			if existingIsWhiteout(upper, name) {
				return nil
			}
			return err
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.ENOTSUP), errors.Is(err, unix.EOPNOTSUPP):
			// fall through to sentinel-file encoding
		default:
			return err
		}
	}

	return createSentinelWhiteout(upper, name)
}

func createSentinelWhiteout(upper layerstore.Upper, name string) error {
	whName := WhiteoutName(name)
	fd, err := upper.Openat(whName, unix.O_CREAT|unix.O_WRONLY|unix.O_EXCL, 0700)
	if err == nil {
		unix.Close(fd)
		return nil
	}
	if errors.Is(err, unix.EEXIST) {
		return nil
	}
	return err
}

func existingIsWhiteout(upper layerstore.Upper, name string) bool {
	st, err := upper.Statat(name)
	if err != nil {
		return false
	}
	return IsWhiteout(st)
}

// DeleteWhiteout removes both possible whiteout encodings for name if
// present; ENOENT on either is non-fatal. name is a path relative to
// upper's root, same convention as CreateWhiteout.
func DeleteWhiteout(upper layerstore.Upper, name string) error {
	st, err := upper.Statat(name)
	switch {
	case err == nil && IsWhiteout(st):
		if err := upper.Unlinkat(name, 0); err != nil && !errors.Is(err, unix.ENOENT) {
			return err
		}
	case err != nil && !errors.Is(err, unix.ENOENT):
		return err
	}
	if err := upper.Unlinkat(WhiteoutName(name), 0); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// SetOpaque marks dirName as opaque, preferring the trusted xattr, then
// the unprivileged one, then the sentinel file, matching the priority
// order of §6 ("Opaque directory (preferred/unprivileged/fallback)").
func SetOpaque(upper layerstore.Upper, dirName string) error {
	err := upper.Setxattr(dirName, OpaqueXattrTrusted, []byte(opaqueValue), 0)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.ENOTSUP) && !errors.Is(err, unix.EOPNOTSUPP) {
		return err
	}

	err = upper.Setxattr(dirName, OpaqueXattrUser, []byte(opaqueValue), 0)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOTSUP) && !errors.Is(err, unix.EOPNOTSUPP) {
		return err
	}

	marker := dirName + "/" + opaqueMarkerFile
	fd, err := upper.Openat(marker, unix.O_CREAT|unix.O_WRONLY, 0700)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

// IsOpaque reports whether a directory layer (any Layer, not just the
// Upper) carries an opaque marker by any of the three encodings.
func IsOpaque(l layerstore.Layer, dirName string) bool {
	if v, err := l.Getxattr(dirName, OpaqueXattrTrusted); err == nil && string(v) == opaqueValue {
		return true
	}
	if v, err := l.Getxattr(dirName, OpaqueXattrUser); err == nil && string(v) == opaqueValue {
		return true
	}
	exists, err := l.FileExists(dirName + "/" + opaqueMarkerFile)
	return err == nil && exists
}
