package overlay

import "github.com/jiafengjason/fuse-overlayfs/internal/whiteout"

// Xattr names from §6's "External interfaces" table.
const (
	originXattrName           = "user.fuseoverlayfs.origin"
	overrideStatXattrTrusted  = "trusted.overlay.override_stat"
	overrideStatXattrUser     = "user.overlay.override_stat"
	opaqueXattrTrusted        = whiteout.OpaqueXattrTrusted
	opaqueXattrUser           = whiteout.OpaqueXattrUser
)
