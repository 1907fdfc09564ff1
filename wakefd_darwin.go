//go:build darwin

package evloop

import (
	"golang.org/x/sys/unix"
)

// newWakeFd creates the loop's wake-up descriptor pair. On Darwin there
// is no eventfd, so a nonblocking self-pipe is used instead.
func newWakeFd() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}

	cleanup := func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	}

	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			cleanup()
			return 0, 0, err
		}
	}

	return fds[0], fds[1], nil
}
