package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginRecordRoundTrip(t *testing.T) {
	rec := newOriginRecord("some/lower/path.txt", 42, 7, false)
	encoded := rec.encode()

	decoded, ok := decodeOriginRecord(encoded)
	require.True(t, ok)
	assert.Equal(t, rec.UUID, decoded.UUID)
	assert.Equal(t, rec.Type, decoded.Type)
	assert.Equal(t, rec.Ino, decoded.Ino)
	assert.Equal(t, rec.Dev, decoded.Dev)
}

func TestOriginRecordSamePathIsDeterministic(t *testing.T) {
	a := newOriginRecord("dir/file.txt", 1, 2, false)
	b := newOriginRecord("dir/file.txt", 99, 99, true)
	assert.Equal(t, a.UUID, b.UUID, "the embedded UUID is seeded by source path alone, not by inode metadata")
}

func TestDecodeOriginRecordRejectsGarbage(t *testing.T) {
	_, ok := decodeOriginRecord([]byte("not an origin record"))
	assert.False(t, ok)

	_, ok = decodeOriginRecord(nil)
	assert.False(t, ok)
}

func TestOriginRecordDirectoryType(t *testing.T) {
	rec := newOriginRecord("dir", 1, 2, true)
	assert.EqualValues(t, 1, rec.Type)

	decoded, ok := decodeOriginRecord(rec.encode())
	require.True(t, ok)
	assert.EqualValues(t, 1, decoded.Type)
}
