package overlay

import (
	"errors"
	"syscall"

	ovcipher "github.com/jiafengjason/fuse-overlayfs/internal/cipher"
)

// errnoOf funnels the error taxonomy of §7 down to the single
// syscall.Errno every handler reply carries. Most errors already arrive
// as a syscall.Errno (golang.org/x/sys/unix.Errno is a type alias for
// it) from the layer store; the cipher package's ErrShortBlock is the
// one case that needs translating to a specific errno (EBADMSG, "bad
// message", per §7).
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errors.Is(err, ovcipher.ErrShortBlock) {
		return syscall.EBADMSG
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
