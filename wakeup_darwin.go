//go:build darwin

package transferloop

import "golang.org/x/sys/unix"

// newWakeFD creates a self-pipe for loop wake-up notifications (Darwin).
// Returns the read end and the write end, both non-blocking close-on-exec.
func newWakeFD() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return 0, 0, err
		}
	}
	return fds[0], fds[1], nil
}
