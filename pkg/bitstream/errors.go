package bitstream

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid bitstream magic")
	ErrUnsupportedMajor = errors.New("unsupported bitstream major version")
	ErrCorruptImage     = errors.New("corrupt bitstream image")
	ErrChecksum         = errors.New("bitstream kernel payload checksum mismatch")
	ErrKernelNotFound   = errors.New("no kernel of the requested kind in bitstream")
)
