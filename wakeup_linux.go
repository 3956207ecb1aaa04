//go:build linux

package transferloop

import "golang.org/x/sys/unix"

// newWakeFD creates an eventfd for loop wake-up notifications (Linux).
// The single eventfd serves as both the read and write end.
func newWakeFD() (readFD, writeFD int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
