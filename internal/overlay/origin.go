package overlay

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// originNamespace seeds the deterministic per-file UUID embedded in the
// origin record (§6): the same source path always yields the same UUID,
// without needing a persistent allocator. Copy-up writes the record;
// lookup does not read it back, so it records provenance only.
var originNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// originRecord is the kernel-compatible binary encoding of §6's origin
// xattr: {version, magic, len, flags, type, uuid[16], fid[]}. fid here is
// simply the source layer's (ino, dev) pair rather than a real
// open_by_handle_at file handle, which lower layers backed by arbitrary
// directories cannot always provide.
type originRecord struct {
	Flags uint32
	Type  uint8
	UUID  uuid.UUID
	Ino   uint64
	Dev   uint64
}

const (
	originMagic   = 0xfb
	originVersion = 0
)

func newOriginRecord(sourcePath string, ino, dev uint64, isDir bool) originRecord {
	var typ uint8
	if isDir {
		typ = 1
	}
	return originRecord{
		UUID: uuid.NewSHA1(originNamespace, []byte(sourcePath)),
		Type: typ,
		Ino:  ino,
		Dev:  dev,
	}
}

// encode serializes the record; len is computed, not stored redundantly
// by the caller.
func (r originRecord) encode() []byte {
	const fixedLen = 1 + 1 + 2 + 4 + 1 + 16 // version+magic+len+flags+type+uuid
	buf := make([]byte, fixedLen+16)
	buf[0] = originVersion
	buf[1] = originMagic
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], r.Flags)
	buf[8] = r.Type
	copy(buf[9:25], r.UUID[:])
	binary.LittleEndian.PutUint64(buf[25:33], r.Ino)
	binary.LittleEndian.PutUint64(buf[33:41], r.Dev)
	return buf[:41]
}

func decodeOriginRecord(b []byte) (originRecord, bool) {
	if len(b) < 41 || b[1] != originMagic {
		return originRecord{}, false
	}
	var r originRecord
	r.Flags = binary.LittleEndian.Uint32(b[4:8])
	r.Type = b[8]
	copy(r.UUID[:], b[9:25])
	r.Ino = binary.LittleEndian.Uint64(b[25:33])
	r.Dev = binary.LittleEndian.Uint64(b[33:41])
	return r, true
}
