// Package broker implements the discovery daemon (spec component H,
// §4.5): it watches the configuration store for guest block-device
// backend nodes, drives the frontend-state machine, and issues
// control-socket RPCs to connect/disconnect the serving tap worker's
// blkif ring. Grounded on the teacher's backend.go CreateAndServe/
// StopAndDelete device-lifecycle pattern, generalized from managing one
// device to managing N; the configuration store itself is
// internal/configstore (bbolt-backed).
package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blktapd/blktapd/internal/configstore"
	"github.com/blktapd/blktapd/internal/ctlproto"
	"github.com/blktapd/blktapd/internal/logging"
)

// backendRoot is the configuration-store subtree the broker watches
// for device discovery (spec §4.5, §6.3).
const backendRoot = "backend/xenio"

// TapLocator resolves which tap worker serves a given (domid, name)
// device to a control-socket path, per spec §4.5's "locate the serving
// tap via the control protocol (§4.4 list)". In production
// (tapset.SysfsLocator) this reads the control directory for ctl<pid>
// sockets and queries each worker's PID/LIST_MINORS/LIST commands;
// tests supply a static map.
type TapLocator interface {
	Locate(domid uint32, name string) (socketPath string, err error)
}

// ClientFactory builds a control-socket client for a socket path,
// overridable in tests.
type ClientFactory func(socketPath string) *ctlproto.Client

// Broker is the discovery daemon: one configuration-store watch on
// backendRoot, plus one watch per known device's frontend state key
// (spec §4.5).
type Broker struct {
	store     *configstore.Store
	locator   TapLocator
	newClient ClientFactory
	logger    *logging.Logger

	mu      sync.Mutex
	devices map[devKey]*Device
	serial  uint64

	frontendCancel map[devKey]func()

	events chan brokerEvent
	stop   chan struct{}
	wg     sync.WaitGroup
}

type brokerEvent struct {
	key  devKey
	kind string // "backend" or "frontend"
}

// New constructs a Broker. logger defaults to logging.Default() when nil.
func New(store *configstore.Store, locator TapLocator, newClient ClientFactory, logger *logging.Logger) *Broker {
	if logger == nil {
		logger = logging.Default()
	}
	if newClient == nil {
		newClient = func(path string) *ctlproto.Client { return ctlproto.NewClient(path, 5*time.Second) }
	}
	return &Broker{
		store:          store,
		locator:        locator,
		newClient:      newClient,
		logger:         logger,
		devices:        make(map[devKey]*Device),
		frontendCancel: make(map[devKey]func()),
		events:         make(chan brokerEvent, 256),
		stop:           make(chan struct{}),
	}
}

// Start performs the initial subtree scan and begins watching
// backendRoot for subsequent changes. Callers must call Run afterward
// to process events (or call Rescan/HandleFrontendEvent directly in
// tests, which don't need the background watch goroutine).
func (b *Broker) Start() error {
	ch, cancel := b.store.Watch(backendRoot)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case b.events <- brokerEvent{kind: "backend"}:
				case <-b.stop:
					return
				}
			case <-b.stop:
				cancel()
				return
			}
		}
	}()
	return b.Rescan()
}

// Stop halts the background watch goroutines.
func (b *Broker) Stop() {
	close(b.stop)
	b.wg.Wait()
}

// Run processes discovery and frontend-state events until ctx is
// cancelled (spec §4.5's single-threaded event loop; here realized as
// one goroutine draining a channel rather than a raw epoll loop, since
// the broker's "events" are configuration-store watch notifications,
// not file descriptors — internal/scheduler is reserved for the tap
// worker's fd/timer-driven ring processing).
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			switch ev.kind {
			case "backend":
				if err := b.Rescan(); err != nil {
					b.logger.Error("broker: rescan failed", "error", err)
				}
			case "frontend":
				if err := b.HandleFrontendEvent(ev.key); err != nil {
					b.logger.Error("broker: frontend event failed", "device", ev.key, "error", err)
				}
			}
		}
	}
}

// Rescan re-derives the device set from the configuration store (spec
// §4.5's discovery algorithm), creating new devices, removing vanished
// ones, and fast-recycling devices whose xenio-serial changed
// underneath them (§8 S5). Every watch-triggered rescan runs inside one
// configuration-store transaction per spec §4.5's transactionality
// rule; EAGAIN (ErrRetry) retries the whole handler.
func (b *Broker) Rescan() error {
	type found struct {
		key    devKey
		serial uint64
		hasSer bool
	}
	var storeDevices []found

	err := b.store.Update("backend-xenio", func(tx *configstore.Txn) error {
		storeDevices = storeDevices[:0]
		domids, err := tx.List(backendRoot)
		if err != nil {
			return err
		}
		for _, domidStr := range domids {
			domid, err := strconv.ParseUint(domidStr, 10, 32)
			if err != nil {
				continue
			}
			names, err := tx.List(fmt.Sprintf("%s/%s", backendRoot, domidStr))
			if err != nil {
				return err
			}
			for _, name := range names {
				key := devKey{domid: uint32(domid), name: name}
				serial, ok, err := tx.Read(key.BackendPath() + "/xenio-serial")
				if err != nil {
					return err
				}
				f := found{key: key}
				if ok {
					n, perr := strconv.ParseUint(serial, 10, 64)
					if perr == nil {
						f.serial = n
						f.hasSer = true
					}
				}
				storeDevices = append(storeDevices, f)
			}
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		present := make(map[devKey]bool, len(storeDevices))
		for _, f := range storeDevices {
			present[f.key] = true
			existing, known := b.devices[f.key]
			switch {
			case !known:
				if err := b.createDeviceLocked(tx, f.key); err != nil {
					b.logger.Error("broker: create device failed", "device", f.key, "error", err)
				}
			case f.hasSer && existing.Serial != f.serial:
				// fast recycle: serial mismatch means the device was
				// torn down and recreated underneath us (spec §8 S5).
				b.removeDeviceLocked(f.key)
				if err := b.createDeviceLocked(tx, f.key); err != nil {
					b.logger.Error("broker: recreate device failed", "device", f.key, "error", err)
				}
			}
		}
		for key := range b.devices {
			if !present[key] {
				b.removeDeviceLocked(key)
			}
		}
		return nil
	})
	return err
}

// createDeviceLocked allocates a serial, registers the device, and
// starts watching its frontend's state key (spec §4.5 "Device create").
// Caller holds b.mu.
func (b *Broker) createDeviceLocked(tx *configstore.Txn, key devKey) error {
	b.serial++
	serial := b.serial

	if err := tx.WriteInt(key.BackendPath()+"/xenio-serial", int(serial)); err != nil {
		return err
	}

	frontendPath, ok, err := tx.Read(key.BackendPath() + "/frontend")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker: device %s has no frontend path", key)
	}

	dev := &Device{
		Domid:             key.domid,
		Name:              key.name,
		Serial:            serial,
		BackendPath:       key.BackendPath(),
		FrontendPath:      frontendPath,
		FrontendStatePath: frontendPath + "/state",
		LastFrontendState: StateUnknown,
	}

	if b.locator != nil {
		sock, err := b.locator.Locate(key.domid, key.name)
		if err != nil {
			b.logger.Warn("broker: no serving tap found yet", "device", key, "error", err)
		} else {
			dev.TapSocket = sock
			if err := b.probeDiskInfo(dev); err != nil {
				b.logger.Warn("broker: disk-info probe failed", "device", key, "error", err)
			}
		}
	}

	b.devices[key] = dev
	b.watchFrontendLocked(key, dev.FrontendStatePath)
	return nil
}

// removeDeviceLocked tears down a device's frontend watch and drops it
// from the device map. Caller holds b.mu.
func (b *Broker) removeDeviceLocked(key devKey) {
	if cancel, ok := b.frontendCancel[key]; ok {
		cancel()
		delete(b.frontendCancel, key)
	}
	delete(b.devices, key)
}

func (b *Broker) watchFrontendLocked(key devKey, path string) {
	ch, cancel := b.store.Watch(path)
	b.frontendCancel[key] = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case b.events <- brokerEvent{kind: "frontend", key: key}:
				case <-b.stop:
					return
				}
			case <-b.stop:
				return
			}
		}
	}()
}

func (b *Broker) probeDiskInfo(dev *Device) error {
	client := b.newClient(dev.TapSocket)
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeDiskInfo})
	if err != nil {
		return err
	}
	if r, ok := resp.Payload.(ctlproto.Response); ok && r.Error != 0 {
		return fmt.Errorf("broker: disk-info: %s", r.Message)
	}
	img, ok := resp.Payload.(ctlproto.Image)
	if !ok {
		return fmt.Errorf("broker: disk-info: unexpected response payload %T", resp.Payload)
	}
	dev.SectorSize = img.SectorSize
	dev.Sectors = img.Sectors
	dev.Info = img.Info
	return nil
}

// HandleFrontendEvent reacts to a change in one device's frontend state
// key, per the table in spec §4.5.
func (b *Broker) HandleFrontendEvent(key devKey) error {
	b.mu.Lock()
	dev, ok := b.devices[key]
	b.mu.Unlock()
	if !ok {
		return nil // device already torn down; stale event
	}

	return b.store.Update("otherend-state", func(tx *configstore.Txn) error {
		raw, ok, err := tx.Read(dev.FrontendStatePath)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		state := ParseFrontendState(raw)
		dev.LastFrontendState = state

		switch state {
		case StateInitialising:
			return tx.Write(dev.BackendPath+"/state", "InitWait")

		case StateInitialised, StateConnected:
			if err := b.connectRing(tx, dev); err != nil {
				return err
			}
			return tx.Write(dev.BackendPath+"/state", "Connected")

		case StateClosing:
			return tx.Write(dev.BackendPath+"/state", "Closing")

		case StateClosed:
			if err := b.disconnectRing(dev); err != nil {
				b.logger.Warn("broker: disconnect-ring failed during teardown", "device", key, "error", err)
			}
			return tx.Write(dev.BackendPath+"/state", "Closed")

		default: // Unknown, Reconfiguring, Reconfigured, InitWait
			return nil
		}
	})
}

// protoCodeForProtocol maps the frontend's "protocol" string to the
// wire proto code XENBLKIF_CONNECT expects (spec §8 S1 example:
// protocol=x86_64-abi encodes as proto=3). Absent/native maps to 1, the
// real blkif_protocol enum's BLKIF_PROTOCOL_NATIVE.
func protoCodeForProtocol(protocol string) uint32 {
	switch protocol {
	case "x86_32-abi":
		return 2
	case "x86_64-abi":
		return 3
	default:
		return 1
	}
}

// connectRing reads the frontend's ring parameters and issues
// XENBLKIF_CONNECT to the serving tap (spec §4.5's Initialised/Connected
// row). Reconnecting an already-connected device with identical grants
// is idempotent (spec §4.5, §8's CONNECT round-trip property).
func (b *Broker) connectRing(tx *configstore.Txn, dev *Device) error {
	order, err := tx.ReadInt(dev.FrontendPath+"/ring-page-order", 0)
	if err != nil {
		return err
	}

	nrefs := 1 << uint(order)
	grefs := make([]uint32, 0, nrefs)
	if order == 0 {
		v, ok, err := tx.Read(dev.FrontendPath + "/ring-ref")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("broker: %s has no ring-ref", dev.FrontendPath)
		}
		ref, _ := strconv.ParseUint(v, 10, 32)
		grefs = append(grefs, uint32(ref))
	} else {
		for i := 0; i < nrefs; i++ {
			v, ok, err := tx.Read(fmt.Sprintf("%s/ring-ref%d", dev.FrontendPath, i))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("broker: %s missing ring-ref%d", dev.FrontendPath, i)
			}
			ref, _ := strconv.ParseUint(v, 10, 32)
			grefs = append(grefs, uint32(ref))
		}
	}

	portStr, ok, err := tx.Read(dev.FrontendPath + "/event-channel")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker: %s has no event-channel", dev.FrontendPath)
	}
	port, _ := strconv.ParseUint(portStr, 10, 32)

	protocol, _, err := tx.Read(dev.FrontendPath + "/protocol")
	if err != nil {
		return err
	}

	pool, _, err := tx.Read(dev.FrontendPath + "/sm-data/frame-pool")
	if err != nil {
		return err
	}
	if pool == "" {
		pool = "td-xenio-default"
	}

	// idempotent reconnect: identical grants/port already connected.
	if dev.Connected && dev.EventChannel == uint32(port) && strings.Join(grefUint32Strings(dev.GrantRefs), ",") == strings.Join(grefUint32Strings(grefs), ",") {
		return nil
	}

	var blkif ctlproto.Blkif
	blkif.Domid = dev.Domid
	blkif.Devid = parseDevidOrZero(dev.Name)
	for i, r := range grefs {
		if i >= len(blkif.Gref) {
			break
		}
		blkif.Gref[i] = r
	}
	blkif.Order = uint32(order)
	blkif.Proto = protoCodeForProtocol(protocol)
	blkif.Pool = pool
	blkif.Port = uint32(port)

	if dev.TapSocket == "" && b.locator != nil {
		sock, err := b.locator.Locate(dev.Domid, dev.Name)
		if err != nil {
			return fmt.Errorf("broker: no tap serving %s: %w", dev.key(), err)
		}
		dev.TapSocket = sock
	}
	client := b.newClient(dev.TapSocket)
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeXenblkifConnect, Payload: blkif})
	if err != nil {
		return err
	}
	if r, ok := resp.Payload.(ctlproto.Response); ok && r.Error != 0 {
		return fmt.Errorf("broker: XENBLKIF_CONNECT: %s", r.Message)
	}

	dev.GrantRefs = grefs
	dev.EventChannel = uint32(port)
	dev.RingOrder = uint32(order)
	dev.Proto = blkif.Proto
	dev.Pool = pool
	dev.Connected = true

	if err := tx.WriteInt(dev.BackendPath+"/sector-size", int(dev.SectorSize)); err != nil {
		return err
	}
	if err := tx.Write(dev.BackendPath+"/sectors", fmt.Sprintf("%d", dev.Sectors)); err != nil {
		return err
	}
	return tx.WriteInt(dev.BackendPath+"/info", int(dev.Info))
}

// disconnectRing issues XENBLKIF_DISCONNECT for dev. A disconnect
// targeting a device whose blkif never connected (or already vanished)
// surfaces -ESRCH without panicking (spec §8's "DISCONNECT on a
// non-existent blkif yields -ESRCH, not a crash").
func (b *Broker) disconnectRing(dev *Device) error {
	if dev.TapSocket == "" {
		return nil
	}
	client := b.newClient(dev.TapSocket)
	resp, err := client.Call(ctlproto.Frame{
		Type:    ctlproto.TypeXenblkifDisconnect,
		Payload: ctlproto.Blkif{Domid: dev.Domid, Devid: parseDevidOrZero(dev.Name)},
	})
	if err != nil {
		return err
	}
	if r, ok := resp.Payload.(ctlproto.Response); ok && r.Error != 0 {
		dev.Connected = false
		return fmt.Errorf("broker: XENBLKIF_DISCONNECT: %s", r.Message)
	}
	dev.Connected = false
	return nil
}

func parseDevidOrZero(name string) uint32 {
	n, _ := strconv.ParseUint(name, 10, 32)
	return uint32(n)
}

func grefUint32Strings(refs []uint32) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = strconv.FormatUint(uint64(r), 10)
	}
	return out
}

// Devices returns a snapshot of the broker's known devices, for the
// "list" surface and tests.
func (b *Broker) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out
}
