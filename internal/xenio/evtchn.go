package xenio

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// BindInterdomain binds a local port to (domid, remotePort) and returns
// the newly bound local port number.
func (c *Context) BindInterdomain(domid uint16, remotePort uint32) (uint32, error) {
	arg := bindInterdomain{RemoteDomain: uint32(domid), RemotePort: remotePort}
	port, err := c.evtchn.Ioctl(iocEvtchnBindInterdomain, uintptr(unsafe.Pointer(&arg)))
	if err != nil {
		return 0, fmt.Errorf("xenio: bind interdomain domid=%d remote_port=%d: %w", domid, remotePort, err)
	}
	return uint32(port), nil
}

// UnbindPort releases a previously bound local port.
func (c *Context) UnbindPort(port uint32) error {
	if _, err := c.evtchn.Ioctl(iocEvtchnUnbind, uintptr(port)); err != nil {
		return fmt.Errorf("xenio: unbind port %d: %w", port, err)
	}
	return nil
}

// Notify raises the event channel bound to port, signalling the remote
// domain that new responses are available.
func (c *Context) Notify(port uint32) error {
	if _, err := c.evtchn.Ioctl(iocEvtchnNotify, uintptr(port)); err != nil {
		return fmt.Errorf("xenio: notify port %d: %w", port, err)
	}
	return nil
}

// PendingPorts reads the set of ports with a pending notification off
// the event-channel fd. Per the real /dev/xen/evtchn protocol, a port
// returned here is implicitly masked until Unmask is called on it.
func (c *Context) PendingPorts() ([]uint32, error) {
	buf := make([]byte, 64*4)
	n, err := c.evtchn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("xenio: read pending ports: %w", err)
	}
	ports := make([]uint32, n/4)
	for i := range ports {
		ports[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return ports, nil
}

// Unmask re-enables notifications for port after its blkif has drained
// the ring triggered by the last notification.
func (c *Context) Unmask(port uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, port)
	if _, err := c.evtchn.Write(buf); err != nil {
		return fmt.Errorf("xenio: unmask port %d: %w", port, err)
	}
	return nil
}

// PollAndDispatch is the component-D loop body: read pending ports,
// resolve each to its owning blkif by Dispatch, unmask it, and invoke
// its ring drain. Unknown ports (already torn down) are unmasked and
// skipped rather than treated as an error, since a disconnect racing a
// pending notification is expected, not exceptional.
func (c *Context) PollAndDispatch() error {
	ports, err := c.PendingPorts()
	if err != nil {
		return err
	}
	for _, port := range ports {
		owner, ok := c.Dispatch(port)
		if !ok {
			_ = c.Unmask(port)
			continue
		}
		if err := c.Unmask(port); err != nil {
			return err
		}
		owner.DrainRing()
	}
	return nil
}
