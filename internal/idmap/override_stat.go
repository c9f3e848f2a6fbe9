package idmap

import (
	"fmt"
	"strconv"
	"strings"
)

// OverrideStat is the (uid, gid, mode) triple persisted in the
// override_stat xattr for upper-layer entries whose backing filesystem
// can't natively express it (e.g. an unprivileged upper directory that
// can't chown to an arbitrary uid).
type OverrideStat struct {
	UID  uint32
	GID  uint32
	Mode uint32
}

// Encode formats the triple as "uid:gid:octal_mode", matching §6's
// external encoding exactly.
func (s OverrideStat) Encode() []byte {
	return []byte(fmt.Sprintf("%d:%d:%o", s.UID, s.GID, s.Mode))
}

// DecodeOverrideStat parses the "uid:gid:octal_mode" xattr value.
func DecodeOverrideStat(b []byte) (OverrideStat, error) {
	parts := strings.SplitN(string(b), ":", 3)
	if len(parts) != 3 {
		return OverrideStat{}, fmt.Errorf("idmap: malformed override_stat %q", b)
	}
	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return OverrideStat{}, fmt.Errorf("idmap: bad uid in override_stat %q: %w", b, err)
	}
	gid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return OverrideStat{}, fmt.Errorf("idmap: bad gid in override_stat %q: %w", b, err)
	}
	mode, err := strconv.ParseUint(parts[2], 8, 32)
	if err != nil {
		return OverrideStat{}, fmt.Errorf("idmap: bad mode in override_stat %q: %w", b, err)
	}
	return OverrideStat{UID: uint32(uid), GID: uint32(gid), Mode: uint32(mode)}, nil
}
