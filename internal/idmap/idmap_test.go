package idmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMapping(t *testing.T) {
	m, err := ParseMapping("1000:0:1")
	require.NoError(t, err)
	require.Equal(t, Mapping{Host: 1000, Container: 0, Length: 1}, m)

	_, err = ParseMapping("1000:0")
	require.Error(t, err)
}

func TestParseMappings(t *testing.T) {
	ms, err := ParseMappings("0:100000:65536,1000:0:1")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, uint32(100000), ms[0].Container)
}

func TestMapIDDirectAndReverse(t *testing.T) {
	m := NewIDMap()
	m.UIDMappings = []Mapping{{Host: 100000, Container: 0, Length: 65536}}

	require.Equal(t, uint32(100000), m.ContainerToHostUID(0))
	require.Equal(t, uint32(100042), m.ContainerToHostUID(42))
	require.Equal(t, uint32(0), m.HostToContainerUID(100000))
	require.Equal(t, uint32(42), m.HostToContainerUID(100042))

	// Unmatched ids collapse to overflow.
	require.Equal(t, m.OverflowUID, m.HostToContainerUID(5))
	require.Equal(t, m.OverflowUID, m.ContainerToHostUID(70000))
}

func TestMapIDEmptyTableIsIdentity(t *testing.T) {
	m := NewIDMap()
	require.Equal(t, uint32(1000), m.HostToContainerUID(1000))
	require.Equal(t, uint32(1000), m.ContainerToHostUID(1000))
}

func TestSquash(t *testing.T) {
	m := NewIDMap()
	m.SquashToRoot = true
	require.Equal(t, uint32(0), m.HostToContainerUID(1000))
	require.Equal(t, uint32(0), m.HostToContainerGID(1000))

	m2 := NewIDMap()
	uid := uint32(4242)
	m2.SquashUID = &uid
	require.Equal(t, uid, m2.HostToContainerUID(1000))
}

func TestOverrideStatRoundTrip(t *testing.T) {
	s := OverrideStat{UID: 1000, GID: 1000, Mode: 0100644}
	encoded := s.Encode()
	require.Equal(t, "1000:1000:100644", string(encoded))

	decoded, err := DecodeOverrideStat(encoded)
	require.NoError(t, err)
	require.Equal(t, s, decoded)
}

func TestDecodeOverrideStatMalformed(t *testing.T) {
	_, err := DecodeOverrideStat([]byte("not-a-triple"))
	require.Error(t, err)
}
