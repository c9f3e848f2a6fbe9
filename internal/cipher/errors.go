package cipher

import "errors"

// ErrNotBlockAligned is returned when EncodeBlock/DecodeBlock are given a
// buffer whose length isn't a multiple of the AES block size.
var ErrNotBlockAligned = errors.New("buffer is not a multiple of the cipher block size")

// ErrShortBlock marks a decode that produced fewer bytes than requested.
// No function in this module returns it; internal/overlay's errnoOf maps
// it to EBADMSG per §7's error taxonomy ("Bad message").
var ErrShortBlock = errors.New("decoded fewer bytes than requested")
