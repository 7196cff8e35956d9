package xenio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Device is the raw syscall surface this package needs from the two
// Xen char devices (/dev/xen/gntdev, /dev/xen/evtchn). It is an
// interface, not a pair of bare fds, so tests (in this package and
// others that need a *Context) can substitute a fake that doesn't
// require running under a real hypervisor.
type Device interface {
	Fd() int
	Ioctl(req uintptr, arg uintptr) (uintptr, error)
	Mmap(offset int64, length int, prot, flags int) ([]byte, error)
	Munmap(b []byte) error
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// osDevice opens a real character device with golang.org/x/sys/unix,
// the same dependency the teacher already carries for CPU-affinity
// syscalls, extended here to ioctl/mmap on the grant/event-channel
// devices.
type osDevice struct {
	fd int
}

func openDevice(path string) (*osDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("xenio: open %s: %w", path, err)
	}
	return &osDevice{fd: fd}, nil
}

func (d *osDevice) Fd() int { return d.fd }

func (d *osDevice) Ioctl(req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func (d *osDevice) Mmap(offset int64, length int, prot, flags int) ([]byte, error) {
	return unix.Mmap(d.fd, offset, length, prot, flags)
}

func (d *osDevice) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (d *osDevice) Read(buf []byte) (int, error) {
	return unix.Read(d.fd, buf)
}

func (d *osDevice) Write(buf []byte) (int, error) {
	return unix.Write(d.fd, buf)
}

func (d *osDevice) Close() error {
	return unix.Close(d.fd)
}
