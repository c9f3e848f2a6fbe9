package layerstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestLayer(t *testing.T) (*posixLayer, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir, 0, false)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func TestOpenAndClose(t *testing.T) {
	l, _ := newTestLayer(t)
	require.Equal(t, 0, l.Index())
	require.False(t, l.IsLower())
}

func TestMkdiratAndStatat(t *testing.T) {
	l, _ := newTestLayer(t)
	require.NoError(t, l.Mkdirat("sub", 0755))

	st, err := l.Statat("sub")
	require.NoError(t, err)
	require.True(t, st.Mode&unix.S_IFDIR != 0)
}

func TestOpenatCreatesRegularFile(t *testing.T) {
	l, dir := newTestLayer(t)
	fd, err := l.Openat("hello.txt", unix.O_CREAT|unix.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = unix.Write(fd, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(fd))

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))
}

func TestFileExists(t *testing.T) {
	l, _ := newTestLayer(t)
	exists, err := l.FileExists("nope")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, l.Mkdirat("present", 0755))
	exists, err = l.FileExists("present")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestReaddirListsEntries(t *testing.T) {
	l, _ := newTestLayer(t)
	require.NoError(t, l.Mkdirat("a", 0755))
	require.NoError(t, l.Mkdirat("b", 0755))

	dirfd, err := l.Opendir(".")
	require.NoError(t, err)
	entries, err := l.Readdir(dirfd)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	require.True(t, names["a"])
	require.True(t, names["b"])
}

func TestSymlinkatAndReadlinkat(t *testing.T) {
	l, _ := newTestLayer(t)
	require.NoError(t, l.Symlinkat("target-does-not-exist", "link"))

	target, err := l.Readlinkat("link")
	require.NoError(t, err)
	require.Equal(t, "target-does-not-exist", target)
}

func TestXattrRoundTrip(t *testing.T) {
	l, _ := newTestLayer(t)
	fd, err := l.Openat("f", unix.O_CREAT|unix.O_WRONLY, 0644)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fd))

	err = l.Setxattr("f", "user.test", []byte("value"), 0)
	if err != nil {
		t.Skipf("xattrs not supported on this filesystem: %v", err)
	}

	got, err := l.Getxattr("f", "user.test")
	require.NoError(t, err)
	require.Equal(t, "value", string(got))

	names, err := l.Listxattr("f")
	require.NoError(t, err)
	require.Contains(t, names, "user.test")

	require.NoError(t, l.Removexattr("f", "user.test"))
}

func TestRenameat2(t *testing.T) {
	l, _ := newTestLayer(t)
	fd, err := l.Openat("old", unix.O_CREAT|unix.O_WRONLY, 0644)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fd))

	require.NoError(t, l.Renameat2("old", "new", 0))
	exists, err := l.FileExists("new")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCanMknodIsLatched(t *testing.T) {
	l, _ := newTestLayer(t)
	first := l.CanMknod()
	second := l.CanMknod()
	require.Equal(t, first, second)
}
