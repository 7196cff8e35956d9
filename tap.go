// Package blktapd provides the main API for running one tapdisk3
// worker: a VBD engine, a blkif ring connection, and the control
// socket the broker talks to, wired together behind a single Tap
// handle (spec §3's "tap worker", component G). It keeps the teacher's
// "public facade over an internal engine" shape — a lifecycle struct,
// a Params/Options pair, CreateAndServe/StopAndDelete constructors —
// re-scoped from "N queues over one ublk device" to "one VBD served
// over one or more connected blkif rings, keyed by (domid, devid)".
package blktapd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/blktapd/blktapd/internal/abi"
	"github.com/blktapd/blktapd/internal/blkif"
	"github.com/blktapd/blktapd/internal/constants"
	"github.com/blktapd/blktapd/internal/ctlproto"
	blkerrors "github.com/blktapd/blktapd/internal/errors"
	"github.com/blktapd/blktapd/internal/imagechain"
	"github.com/blktapd/blktapd/internal/logging"
	"github.com/blktapd/blktapd/internal/metrics"
	"github.com/blktapd/blktapd/internal/ring"
	"github.com/blktapd/blktapd/internal/scheduler"
	"github.com/blktapd/blktapd/internal/vbd"
	"github.com/blktapd/blktapd/internal/xenio"
)

// TapParams configures a new Tap worker.
type TapParams struct {
	// Name identifies the VBD (spec §3 "VBD.name"); conventionally the
	// guest device number, e.g. "51712".
	Name string
	UUID string

	SecondaryMode vbd.SecondaryMode

	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration

	// ControlDir is the directory the control socket is created under
	// (spec §6.1); defaults to constants.ControlDir.
	ControlDir string

	// TickInterval paces the VBD engine's Tick calls; defaults to
	// constants.DevicePollingInterval.
	TickInterval time.Duration
}

// DefaultTapParams returns sensible defaults for a worker serving name.
func DefaultTapParams(name string) TapParams {
	return TapParams{
		Name:           name,
		MaxRetries:     constants.VBDMaxRetries,
		RetryInterval:  constants.VBDRetryInterval,
		RequestTimeout: constants.VBDRequestTimeout,
		ControlDir:     constants.ControlDir,
		TickInterval:   constants.DevicePollingInterval,
	}
}

// Options carries cross-cutting dependencies, mirroring the teacher's
// Options{Context, Logger, Observer}. The two open* seams exist so
// tests can substitute fake Xen devices and image openers without
// touching /dev/xen or real storage.
type Options struct {
	Context context.Context
	Logger  *logging.Logger

	// OpenImage resolves a Params.Path/Secondary URI into an image
	// chain; defaults to OpenImage (the "mem:<size>" reference opener).
	OpenImage func(spec string) (imagechain.Image, error)

	// openXenio resolves a pool name to a transport context; defaults
	// to xenio.Open. Tests substitute a context built over fake
	// devices via xenio.NewContextForTesting.
	openXenio func(pool string) (*xenio.Context, error)
}

// connectedBlkif tracks one connected ring alongside the wire params it
// was connected with, so a repeat XENBLKIF_CONNECT can be recognized as
// an idempotent no-op (spec §4.5, §8 S1).
type connectedBlkif struct {
	b      *blkif.Blkif
	ctx    *xenio.Context
	vma    []byte
	params ctlproto.Blkif
}

type blkifKey struct {
	domid uint32
	devid uint32
}

// Tap is one running tapdisk3 worker: the process-level facade wrapping
// a VBD engine, its control socket, and its connected blkif rings.
type Tap struct {
	params TapParams

	logger  *logging.Logger
	metrics *metrics.Metrics

	engine *vbd.VBD
	sched  *scheduler.Scheduler
	server *ctlproto.Server

	openImage func(spec string) (imagechain.Image, error)
	openXenio func(pool string) (*xenio.Context, error)

	mu                   sync.Mutex
	chain                *imagechain.Chain
	blkifs               map[blkifKey]*connectedBlkif
	schedRegisteredPools map[string]bool
	attachPath           string
	attached             bool

	socketPath string

	tickID scheduler.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// CreateAndServe starts a Tap worker: it builds the VBD engine, opens
// the scheduler's event loop, and starts listening on the worker's
// control socket. The worker continues serving I/O until the context
// is cancelled or StopAndDelete is called.
func CreateAndServe(ctx context.Context, params TapParams, options *Options) (*Tap, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if params.ControlDir == "" {
		params.ControlDir = constants.ControlDir
	}
	if params.TickInterval == 0 {
		params.TickInterval = constants.DevicePollingInterval
	}

	m := metrics.New(time.Now())
	engine := vbd.New(vbd.Config{
		UUID:           params.UUID,
		Name:           params.Name,
		SecondaryMode:  params.SecondaryMode,
		Logger:         logger,
		Metrics:        m,
		MaxRetries:     params.MaxRetries,
		RetryInterval:  params.RetryInterval,
		RequestTimeout: params.RequestTimeout,
	})

	sched, err := scheduler.New(logger)
	if err != nil {
		return nil, fmt.Errorf("blktapd: new scheduler: %w", err)
	}

	openImage := options.OpenImage
	if openImage == nil {
		openImage = OpenImage
	}
	openXenio := options.openXenio
	if openXenio == nil {
		openXenio = xenio.Open
	}

	t := &Tap{
		params:               params,
		logger:               logger,
		metrics:              m,
		engine:               engine,
		sched:                sched,
		openImage:            openImage,
		openXenio:            openXenio,
		blkifs:               make(map[blkifKey]*connectedBlkif),
		schedRegisteredPools: make(map[string]bool),
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	path := ctlproto.SocketPath(params.ControlDir, os.Getpid())
	server, err := ctlproto.Listen(path, t, logger)
	if err != nil {
		sched.Stop()
		return nil, fmt.Errorf("blktapd: listen control socket: %w", err)
	}
	t.server = server
	t.socketPath = path

	go sched.Run()
	go func() {
		if err := server.Serve(); err != nil && t.logger != nil {
			t.logger.Warn("blktapd: control socket serve exited", "err", err)
		}
	}()

	t.scheduleTick()
	return t, nil
}

// StopAndDelete closes the control socket, drains the VBD, and tears
// down the scheduler and any connected rings. It is the counterpart to
// CreateAndServe.
func StopAndDelete(ctx context.Context, t *Tap) error {
	if t == nil {
		return fmt.Errorf("blktapd: nil tap")
	}
	t.cancel()

	_ = t.server.Close()

	t.mu.Lock()
	conns := make([]*connectedBlkif, 0, len(t.blkifs))
	for _, cb := range t.blkifs {
		conns = append(conns, cb)
	}
	t.blkifs = make(map[blkifKey]*connectedBlkif)
	chain := t.chain
	t.chain = nil
	t.mu.Unlock()

	var first error
	for _, cb := range conns {
		if err := t.teardownBlkif(cb); err != nil && first == nil {
			first = err
		}
	}

	if err := t.engine.Close(ctx, constants.DefaultDrainTimeout, true); err != nil && first == nil {
		first = err
	}
	t.engine.Shutdown()
	if chain != nil {
		if err := chain.Close(); err != nil && first == nil {
			first = err
		}
	}

	t.sched.Stop()
	if t.metrics != nil {
		t.metrics.Stop(time.Now())
	}
	return first
}

// SocketPath returns this worker's control-socket path, for a broker
// (or test) to dial.
func (t *Tap) SocketPath() string { return t.socketPath }

// State returns the VBD engine's current state.
func (t *Tap) State() vbd.State { return t.engine.State() }

// IsRunning reports whether the engine currently admits new requests.
func (t *Tap) IsRunning() bool { return t.engine.IsRunning() }

// Metrics returns the worker's metrics bag.
func (t *Tap) Metrics() *metrics.Metrics { return t.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the worker's
// metrics, used by Stats and by tests.
func (t *Tap) MetricsSnapshot() metrics.Snapshot {
	if t.metrics == nil {
		return metrics.Snapshot{}
	}
	return t.metrics.Snapshot()
}

// scheduleTick installs a one-shot scheduler timer that calls onTick
// and reinstalls itself, the self-rescheduling pattern
// scheduler.Scheduler's single-shot Timeout primitive requires for
// anything periodic (spec §4.6, component I has no repeat/interval
// concept of its own).
func (t *Tap) scheduleTick() {
	t.mu.Lock()
	interval := t.params.TickInterval
	t.mu.Unlock()
	t.tickID = t.sched.Register(scheduler.Timeout, 0, int(interval.Milliseconds()), t.onTick, nil)
}

func (t *Tap) onTick(any) {
	select {
	case <-t.ctx.Done():
		return
	default:
	}
	t.engine.Tick(time.Now())
	t.scheduleTick()
}

// --- ctlproto.Handler ---

// Pid returns this process's pid (spec §6.2 PID_RSP).
func (t *Tap) Pid() int32 { return int32(os.Getpid()) }

// Attach records the tap's association with its backing VBD path
// (spec §3's ATTACH transition: CLOSED --attach--> CLOSED+tap).
func (t *Tap) Attach(path string) error {
	t.mu.Lock()
	t.attachPath = path
	t.attached = true
	t.mu.Unlock()
	t.engine.Attach()
	return nil
}

// Detach releases the tap association; rejected while the VBD is
// running, matching vbd.VBD.Detach.
func (t *Tap) Detach() error {
	if err := t.engine.Detach(); err != nil {
		return blkerrors.Wrap("detach", syscall.EBUSY, err)
	}
	t.mu.Lock()
	t.attached = false
	t.attachPath = ""
	t.mu.Unlock()
	return nil
}

// Open builds an image chain from p and transitions the VBD to running
// (spec §4.4 OPEN).
func (t *Tap) Open(p ctlproto.Params) error {
	chain, err := t.buildChain(p)
	if err != nil {
		return blkerrors.Wrap("open", syscall.EINVAL, err)
	}
	if err := t.engine.Open(chain); err != nil {
		_ = chain.Close()
		return blkerrors.Wrap("open", syscall.EBUSY, err)
	}
	t.mu.Lock()
	t.chain = chain
	t.mu.Unlock()
	return nil
}

// buildChain opens p.Path as the primary leaf and, when p.Flags carries
// FlagSecondary or FlagStandby, p.Secondary as the secondary image
// (spec §4.3 "Secondary image semantics").
func (t *Tap) buildChain(p ctlproto.Params) (*imagechain.Chain, error) {
	primary, err := t.openImage(p.Path)
	if err != nil {
		return nil, fmt.Errorf("blktapd: open primary %q: %w", p.Path, err)
	}
	chain := &imagechain.Chain{Leaves: []imagechain.Image{primary}}
	if p.Flags&(ctlproto.FlagSecondary|ctlproto.FlagStandby) != 0 && p.Secondary != "" {
		secondary, err := t.openImage(p.Secondary)
		if err != nil {
			_ = primary.Close()
			return nil, fmt.Errorf("blktapd: open secondary %q: %w", p.Secondary, err)
		}
		chain.Secondary = secondary
	}
	return chain, nil
}

// Pause requests the VBD drain to PAUSED and waits up to timeout
// (spec §4.4 PAUSE, §8 S6's drain-before-pause contract).
func (t *Tap) Pause(timeout time.Duration) error {
	if err := t.engine.RequestPause(); err != nil {
		return blkerrors.Wrap("pause", syscall.EINVAL, err)
	}
	return t.waitForState(timeout, vbd.Paused)
}

// Resume rebinds a new image chain (when p.Path is non-empty) and
// transitions PAUSED -> RUNNING (spec §4.4 RESUME, §8 S2).
func (t *Tap) Resume(p ctlproto.Params) error {
	var newChain *imagechain.Chain
	if p.Path != "" {
		chain, err := t.buildChain(p)
		if err != nil {
			return blkerrors.Wrap("resume", syscall.EINVAL, err)
		}
		newChain = chain
	}
	if err := t.engine.Resume(newChain); err != nil {
		if newChain != nil {
			_ = newChain.Close()
		}
		return blkerrors.Wrap("resume", syscall.EINVAL, err)
	}
	t.mu.Lock()
	oldChain := t.chain
	if newChain != nil {
		t.chain = newChain
	}
	t.mu.Unlock()
	if newChain != nil && oldChain != nil {
		_ = oldChain.Close()
	}
	return nil
}

// Close drains the VBD to CLOSED, force-closing on timeout when force
// is set (spec §4.4 CLOSE, §8 S6).
func (t *Tap) Close(timeout time.Duration, force bool) error {
	if timeout == 0 {
		timeout = constants.DefaultDrainTimeout
	}
	if err := t.engine.Close(t.ctx, timeout, force); err != nil {
		return blkerrors.Wrap("close", syscall.ETIMEDOUT, err)
	}
	return nil
}

// waitForState ticks the engine and polls until it reaches every bit of
// mask or timeout elapses; vbd.VBD exposes no blocking "wait until"
// primitive of its own, only the Close path does, so Pause builds its
// own tick-and-poll loop here at the facade level, as vbd.VBD.Close does.
func (t *Tap) waitForState(timeout time.Duration, mask vbd.State) error {
	if timeout == 0 {
		timeout = constants.DefaultDrainTimeout
	}
	deadline := time.Now().Add(timeout)
	const pollInterval = 5 * time.Millisecond
	for {
		t.engine.Tick(time.Now())
		if t.engine.HasState(mask) {
			return nil
		}
		if time.Now().After(deadline) {
			return blkerrors.New("pause", syscall.ETIMEDOUT, "timed out waiting for drain")
		}
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ListMinors returns this worker's single minor, if attached.
func (t *Tap) ListMinors() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.attached {
		return nil
	}
	return []int32{parseMinor(t.params.Name)}
}

// List returns the one ListEntry this worker knows about; Count is
// filled in by the ctlproto.Server's streaming writer.
func (t *Tap) List() []ctlproto.ListEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.attached {
		return nil
	}
	return []ctlproto.ListEntry{{
		Minor: parseMinor(t.params.Name),
		State: int32(t.engine.State()),
		Path:  t.attachPath,
	}}
}

func parseMinor(name string) int32 {
	n, _ := strconv.ParseInt(name, 10, 32)
	return int32(n)
}

// Stats renders a one-line human-readable summary of the engine's
// queue depths and metrics (spec §4.4 STATS; the wire reply is a plain
// string, not a structured payload).
func (t *Tap) Stats() (string, error) {
	qd := t.engine.QueueDepths()
	snap := t.MetricsSnapshot()
	return fmt.Sprintf(
		"state=%s new=%d failed=%d completed=%d reads=%d writes=%d errors=%d retries=%d",
		t.engine.State(), qd.New, qd.Failed, qd.Completed,
		snap.ReadOps, snap.WriteOps, snap.Errors, snap.Retries,
	), nil
}

// DiskInfo probes the open image chain's geometry (spec §4.4
// DISK_INFO).
func (t *Tap) DiskInfo() (ctlproto.Image, error) {
	t.mu.Lock()
	chain := t.chain
	t.mu.Unlock()
	if chain == nil || chain.Primary() == nil {
		return ctlproto.Image{}, blkerrors.New("disk_info", syscall.ENODEV, "no image open")
	}
	size := chain.Primary().Size()
	return ctlproto.Image{
		Sectors:    uint64(size) / abi.SectorSize,
		SectorSize: abi.SectorSize,
	}, nil
}

// ConnectRing maps b's grant-referenced ring pages, binds the
// interdomain event channel, and constructs a blkif serving the engine
// (spec §4.4 XENBLKIF_CONNECT). Reconnecting with identical parameters
// for an already-connected (domid, devid) is a no-op success (spec §8
// S1); reconnecting with different parameters is rejected since the
// spec defines no rebind-without-disconnect semantics.
func (t *Tap) ConnectRing(b ctlproto.Blkif) error {
	key := blkifKey{domid: b.Domid, devid: b.Devid}

	t.mu.Lock()
	if existing, ok := t.blkifs[key]; ok {
		same := existing.params == b
		t.mu.Unlock()
		if same {
			return nil
		}
		return blkerrors.New("connect_ring", syscall.EALREADY, "blkif already connected with different parameters")
	}
	t.mu.Unlock()

	ctx, err := t.openXenio(b.Pool)
	if err != nil {
		return blkerrors.Wrap("connect_ring", syscall.EIO, err)
	}

	nrefs := 1 << b.Order
	grefs := make([]uint32, 0, nrefs)
	for i := 0; i < nrefs && i < len(b.Gref); i++ {
		grefs = append(grefs, b.Gref[i])
	}

	vma, err := ctx.MapOne(uint16(b.Domid), grefs, true)
	if err != nil {
		_ = ctx.Close()
		return blkerrors.Wrap("connect_ring", syscall.EIO, err)
	}

	layout := abi.LayoutFor(variantForProtoCode(b.Proto))
	sharedRing, err := ring.New(vma, uint(b.Order), layout)
	if err != nil {
		_ = ctx.Unmap(vma)
		_ = ctx.Close()
		return blkerrors.Wrap("connect_ring", syscall.EINVAL, err)
	}

	localPort, err := ctx.BindInterdomain(uint16(b.Domid), b.Port)
	if err != nil {
		_ = ctx.Unmap(vma)
		_ = ctx.Close()
		return blkerrors.Wrap("connect_ring", syscall.EIO, err)
	}

	bif := blkif.New(ctx, uint16(b.Domid), b.Devid, sharedRing, localPort, b.Port, t.engine, t.logger, t.metrics)

	t.mu.Lock()
	t.blkifs[key] = &connectedBlkif{b: bif, ctx: ctx, vma: vma, params: b}
	t.ensureSchedulerRegisteredLocked(ctx)
	t.mu.Unlock()
	return nil
}

// ensureSchedulerRegisteredLocked wires ctx's pollable fd into the
// scheduler at most once per pool: Context.PollAndDispatch already
// resolves a ready port to its owning blkif and drains it, so one
// PollReadFD registration per pool's fd covers every blkif sharing that
// pool (spec §3 "process-wide state" is shared across blkifs, the
// scheduler registration follows the same sharing). Must be called with
// t.mu held.
func (t *Tap) ensureSchedulerRegisteredLocked(ctx *xenio.Context) {
	pool := ctx.Pool()
	if t.schedRegisteredPools[pool] {
		return
	}
	t.schedRegisteredPools[pool] = true
	t.sched.Register(scheduler.PollReadFD, ctx.FD(), 0, func(any) {
		if err := ctx.PollAndDispatch(); err != nil && t.logger != nil {
			t.logger.Error("blktapd: poll and dispatch failed", "pool", pool, "err", err)
		}
	}, nil)
}

// DisconnectRing tears down a connected blkif (spec §4.4
// XENBLKIF_DISCONNECT). Disconnecting an unknown (domid, devid) yields
// -ESRCH; disconnecting one with in-flight requests yields -EBUSY
// (spec §3 invariant, §8 S1).
func (t *Tap) DisconnectRing(domid, devid uint32) error {
	key := blkifKey{domid: domid, devid: devid}

	t.mu.Lock()
	cb, ok := t.blkifs[key]
	if !ok {
		t.mu.Unlock()
		return blkerrors.New("disconnect_ring", syscall.ESRCH, "no such blkif")
	}
	t.mu.Unlock()

	if cb.b.NumFree() != int(cb.b.RingSize()) {
		return blkerrors.New("disconnect_ring", syscall.EBUSY, "requests still in flight")
	}

	if err := t.teardownBlkif(cb); err != nil {
		return blkerrors.Wrap("disconnect_ring", syscall.EIO, err)
	}

	t.mu.Lock()
	delete(t.blkifs, key)
	t.mu.Unlock()
	return nil
}

// teardownBlkif destroys the blkif object, unmaps its ring pages, and
// releases its transport context reference. It does not touch
// t.blkifs; callers remove the map entry themselves.
func (t *Tap) teardownBlkif(cb *connectedBlkif) error {
	var first error
	if err := cb.b.Destroy(); err != nil {
		first = err
	}
	if err := cb.ctx.Unmap(cb.vma); err != nil && first == nil {
		first = err
	}
	if err := cb.ctx.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// ForceShutdown force-closes the VBD without draining (spec §4.4
// FORCE_SHUTDOWN, §8 S6).
func (t *Tap) ForceShutdown() {
	t.engine.ForceClose()
}

// variantForProtoCode inverts the broker's wire proto-code numbering
// (native/absent=1, x86_32-abi=2, x86_64-abi=3 — a deliberately separate
// enumeration from abi.Variant's own 0/1/2) back into an abi.Variant for
// abi.LayoutFor.
func variantForProtoCode(code uint32) abi.Variant {
	switch code {
	case 2:
		return abi.X86_32
	case 3:
		return abi.X86_64
	default:
		return abi.Native
	}
}

// OpenImage is the default image-chain leaf opener. Per the
// "implementing any specific on-disk image format" non-goal, the only
// scheme it understands is "mem:<size>", the in-tree reference leaf
// documented by imagechain.Memleaf and tapctl's "create -a mem:<size>"
// convention; any other scheme is explicitly out of scope.
func OpenImage(spec string) (imagechain.Image, error) {
	scheme, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("blktapd: image spec %q has no scheme", spec)
	}
	switch scheme {
	case "mem":
		size, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("blktapd: mem: image size %q: %w", rest, err)
		}
		return imagechain.NewMemleaf(size), nil
	default:
		return nil, fmt.Errorf("blktapd: image scheme %q is out of scope (no on-disk image format drivers)", scheme)
	}
}

var _ ctlproto.Handler = (*Tap)(nil)
