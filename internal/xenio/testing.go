package xenio

// NewContextForTesting builds a Context directly over caller-supplied
// Device fakes, bypassing the pool registry and the real
// /dev/xen/{evtchn,gntdev} opens. It exists so other packages (blkif,
// vbd) can exercise a *Context without a real hypervisor or reaching
// into this package's unexported pool-registry test hooks.
func NewContextForTesting(pool string, evtchn, gntdev Device) *Context {
	return &Context{
		pool:   pool,
		evtchn: evtchn,
		gntdev: gntdev,
		refs:   1,
		owners: make(map[uint32]PortOwner),
	}
}
