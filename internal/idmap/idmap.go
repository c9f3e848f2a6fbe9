// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package idmap implements host/container uid and gid range mapping, the
// "squash" overrides, and the xattr-backed permission-override scheme used
// when the upper layer's backing filesystem cannot express an overlay
// entry's true owner/mode (§4.B of the design).
package idmap

import (
	"fmt"
	"strconv"
	"strings"
)

// Mapping is one entry of a uid or gid mapping table: ids in
// [Container, Container+Length) on the overlay side correspond to ids in
// [Host, Host+Length) on the backing-store side.
type Mapping struct {
	Host      uint32
	Container uint32
	Length    uint32
}

// ParseMapping parses a single "host:container:length" triple.
func ParseMapping(s string) (Mapping, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Mapping{}, fmt.Errorf("idmap: malformed mapping %q, want host:container:length", s)
	}
	host, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Mapping{}, fmt.Errorf("idmap: bad host id in %q: %w", s, err)
	}
	container, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Mapping{}, fmt.Errorf("idmap: bad container id in %q: %w", s, err)
	}
	length, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Mapping{}, fmt.Errorf("idmap: bad length in %q: %w", s, err)
	}
	return Mapping{Host: uint32(host), Container: uint32(container), Length: uint32(length)}, nil
}

// ParseMappings parses a comma-separated list of "host:container:length" triples.
func ParseMappings(s string) ([]Mapping, error) {
	if s == "" {
		return nil, nil
	}
	var out []Mapping
	for _, part := range strings.Split(s, ",") {
		m, err := ParseMapping(part)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// XattrPermissionMode selects how (uid, gid, mode) are persisted for
// upper-layer entries whose backing filesystem cannot store them natively.
type XattrPermissionMode int

const (
	XattrPermissionsOff XattrPermissionMode = iota
	XattrPermissionsPrivileged
	XattrPermissionsUnprivileged
)

func (m XattrPermissionMode) String() string {
	switch m {
	case XattrPermissionsOff:
		return "off"
	case XattrPermissionsPrivileged:
		return "privileged"
	case XattrPermissionsUnprivileged:
		return "unprivileged"
	default:
		return fmt.Sprintf("XattrPermissionMode(%d)", int(m))
	}
}

// XattrName returns the extended attribute name used to persist the
// override stat triple for this mode, or "" if overrides are off.
func (m XattrPermissionMode) XattrName() string {
	switch m {
	case XattrPermissionsPrivileged:
		return "trusted.overlay.override_stat"
	case XattrPermissionsUnprivileged:
		return "user.overlay.override_stat"
	default:
		return ""
	}
}

// IDMap maps uids and gids between the host and the container-visible
// overlay namespace, with optional squashing to a fixed id.
type IDMap struct {
	UIDMappings []Mapping
	GIDMappings []Mapping

	// SquashToRoot, when set, overrides every uid/gid presented to the
	// caller with 0.
	SquashToRoot bool
	// SquashUID/SquashGID, when non-nil, override every uid (resp. gid)
	// presented to the caller with the given fixed value.
	SquashUID *uint32
	SquashGID *uint32

	// OverflowUID/OverflowGID are returned for ids that match no
	// mapping entry. Traditionally 65534 ("nobody").
	OverflowUID uint32
	OverflowGID uint32
}

// NewIDMap returns an IDMap with the traditional 65534 overflow ids.
func NewIDMap() *IDMap {
	return &IDMap{OverflowUID: 65534, OverflowGID: 65534}
}

// HostToContainerUID maps a host uid to the container-visible uid.
func (m *IDMap) HostToContainerUID(host uint32) uint32 {
	if m.SquashToRoot {
		return 0
	}
	if m.SquashUID != nil {
		return *m.SquashUID
	}
	return mapID(m.UIDMappings, host, m.OverflowUID, false)
}

// ContainerToHostUID maps a container-visible uid to the host uid used to
// chown the backing file.
func (m *IDMap) ContainerToHostUID(container uint32) uint32 {
	return mapID(m.UIDMappings, container, m.OverflowUID, true)
}

// HostToContainerGID maps a host gid to the container-visible gid.
func (m *IDMap) HostToContainerGID(host uint32) uint32 {
	if m.SquashToRoot {
		return 0
	}
	if m.SquashGID != nil {
		return *m.SquashGID
	}
	return mapID(m.GIDMappings, host, m.OverflowGID, false)
}

// ContainerToHostGID maps a container-visible gid to the host gid used to
// chown the backing file.
func (m *IDMap) ContainerToHostGID(container uint32) uint32 {
	return mapID(m.GIDMappings, container, m.OverflowGID, true)
}

// mapID performs the linear first-match scan documented in §4.B.
// direct=true maps container->host (the "direct" direction); direct=false
// maps host->container (the "reverse" direction).
func mapID(table []Mapping, id uint32, overflow uint32, direct bool) uint32 {
	for _, mp := range table {
		from, to := mp.Host, mp.Container
		if direct {
			from, to = mp.Container, mp.Host
		}
		if id >= from && id < from+mp.Length {
			return to + (id - from)
		}
	}
	if len(table) == 0 {
		return id
	}
	return overflow
}
