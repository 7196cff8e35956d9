package xenio

// Ioctl request codes for /dev/xen/evtchn and /dev/xen/gntdev, encoded
// the way the kernel's <xen/evtchn.h> and <xen/gntdev.h> _IOC() macros
// do (magic 'E'/'G', the listed command number, no direction bits set
// since these interfaces pass a pointer to a fixed struct rather than
// relying on _IOC's size-encoded direction).
const (
	iocEvtchnBindInterdomain = ('E' << 8) | 1
	iocEvtchnBindUnboundPort = ('E' << 8) | 2
	iocEvtchnUnbind          = ('E' << 8) | 3
	iocEvtchnNotify          = ('E' << 8) | 4
	iocEvtchnReset           = ('E' << 8) | 5

	iocGntdevMapGrantRef   = ('G' << 8) | 0
	iocGntdevUnmapGrantRef = ('G' << 8) | 1
	iocGntdevSetMaxGrants  = ('G' << 8) | 6
)

// bindInterdomain mirrors struct ioctl_evtchn_bind_interdomain.
type bindInterdomain struct {
	RemoteDomain uint32
	RemotePort   uint32
}

// mapGrantRef mirrors the fixed-count prefix of
// struct ioctl_gntdev_map_grant_ref; refs are appended by the caller.
type mapGrantRef struct {
	Count uint32
	_     uint32
	Index uint64
}

type grantRefEntry struct {
	Domid uint32
	Ref   uint32
}
