//go:build linux

package evloop

import (
	"golang.org/x/sys/unix"
)

// newWakeFd creates the loop's wake-up descriptor pair. On Linux this is
// a single eventfd serving as both read and write end.
func newWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
