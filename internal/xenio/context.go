// Package xenio is the event-channel/grant-table transport: per-process
// handles to the two Xen char devices, grant mapping, event-port
// bind/unmask/notify, and the single pollable descriptor that dispatches
// ring events to their owning blkif (spec components A and D).
package xenio

import (
	"sync"
)

// PortOwner is the blkif-shaped thing a Context dispatches a ready port
// to. Declared here, implemented by internal/blkif, to avoid a xenio
// <-> blkif import cycle.
type PortOwner interface {
	DrainRing()
}

// openEvtchn and openGntdev are overridden in tests to avoid touching
// real hardware.
var openEvtchn = func() (Device, error) { return openDevice("/dev/xen/evtchn") }
var openGntdev = func() (Device, error) { return openDevice("/dev/xen/gntdev") }

// Context is the process-scoped transport context: one event-channel
// handle, one grant-table handle, reference-counted by the number of
// live blkifs sharing it, keyed by pool name (spec §3, §9
// "process-wide state").
type Context struct {
	pool    string
	evtchn  Device
	gntdev  Device
	mu      sync.Mutex
	refs    int
	owners  map[uint32]PortOwner // local port -> owning blkif
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Context{}
)

// DefaultPoolName is used when no pool is configured.
const DefaultPoolName = "td-xenio-default"

// Open returns the Context for pool, creating and opening the
// underlying devices on first use and incrementing its refcount. Every
// successful Open must be matched by a Close.
func Open(pool string) (*Context, error) {
	if pool == "" {
		pool = DefaultPoolName
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if ctx, ok := registry[pool]; ok {
		ctx.refs++
		return ctx, nil
	}

	evtchn, err := openEvtchn()
	if err != nil {
		return nil, err
	}
	gntdev, err := openGntdev()
	if err != nil {
		evtchn.Close()
		return nil, err
	}

	ctx := &Context{
		pool:   pool,
		evtchn: evtchn,
		gntdev: gntdev,
		refs:   1,
		owners: make(map[uint32]PortOwner),
	}
	registry[pool] = ctx
	return ctx, nil
}

// Close decrements the context's refcount, tearing down the underlying
// devices when the last blkif referencing it disconnects.
func (c *Context) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	c.refs--
	if c.refs > 0 {
		return nil
	}
	delete(registry, c.pool)

	var err error
	if e := c.gntdev.Close(); e != nil {
		err = e
	}
	if e := c.evtchn.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// Pool returns the context's pool name.
func (c *Context) Pool() string { return c.pool }

// Refs returns the current reference count (test/introspection only).
func (c *Context) Refs() int {
	registryMu.Lock()
	defer registryMu.Unlock()
	return c.refs
}

// FD is the single pollable descriptor for this context: the
// event-channel device fd, on which readiness means one or more bound
// ports have pending notifications.
func (c *Context) FD() int { return c.evtchn.Fd() }

// Register associates a locally-bound port with its owning blkif so
// PendingPorts/Dispatch can route events to it.
func (c *Context) Register(port uint32, owner PortOwner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[port] = owner
}

// Unregister removes a port's owner, e.g. on disconnect.
func (c *Context) Unregister(port uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owners, port)
}

// Dispatch resolves port to its owning blkif with a lookup in the
// owners map; it reports false for a port with no registered owner.
func (c *Context) Dispatch(port uint32) (PortOwner, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[port]
	return owner, ok
}
