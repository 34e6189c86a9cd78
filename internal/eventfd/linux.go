//go:build linux

package eventfd

import (
	"encoding/binary"
	"io"

	"golang.org/x/sys/unix"
)

// linuxEventFD wraps a real eventfd(2) file descriptor opened in plain
// counter mode (no EFD_SEMAPHORE: Wait drains the full accumulated
// counter in one read, matching vhost-user's KickFD reads).
type linuxEventFD struct {
	fd int
}

// New opens a fresh blocking, close-on-exec eventfd starting at 0, so
// Wait blocks until the counter is nonzero.
func New() (Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &linuxEventFD{fd: fd}, nil
}

// FD returns the underlying file descriptor, for registering with the
// hypervisor as an ioeventfd/irqfd.
func (e *linuxEventFD) FD() int { return e.fd }

func (e *linuxEventFD) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

func (e *linuxEventFD) Wait() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n < len(buf) {
		return 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (e *linuxEventFD) Close() error {
	return unix.Close(e.fd)
}
