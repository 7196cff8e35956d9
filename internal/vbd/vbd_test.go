package vbd

import (
	"context"
	"encoding/binary"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/blktapd/blktapd/internal/abi"
	"github.com/blktapd/blktapd/internal/blkif"
	"github.com/blktapd/blktapd/internal/imagechain"
	"github.com/blktapd/blktapd/internal/metrics"
	"github.com/blktapd/blktapd/internal/ring"
	"github.com/blktapd/blktapd/internal/xenio"
)

// pumpUntil ticks v — driving the async image queue's worker
// completions through the engine, the same way the scheduler would —
// until cond reports true or timeout elapses.
func pumpUntil(t *testing.T, v *VBD, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		v.Tick(time.Now())
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// drainUntil collects the async image queue's completions, without the
// rest of Tick, until cond reports true or timeout elapses. Unlike
// pumpUntil it never flushes completedQ, so tests can inspect requests
// that resolved onto it.
func drainUntil(t *testing.T, v *VBD, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		v.drainCompletions()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// --- minimal xenio.Device fakes, mirroring internal/blkif's test fakes
// so these tests can wire a real *blkif.Blkif in front of the engine. ---

type fakeEvtchn struct {
	notifies []uint32
}

func (f *fakeEvtchn) Fd() int { return 1 }
func (f *fakeEvtchn) Ioctl(req uintptr, arg uintptr) (uintptr, error) {
	f.notifies = append(f.notifies, uint32(arg))
	return 0, nil
}
func (f *fakeEvtchn) Mmap(int64, int, int, int) ([]byte, error) { return nil, nil }
func (f *fakeEvtchn) Munmap([]byte) error                       { return nil }
func (f *fakeEvtchn) Read(buf []byte) (int, error)              { return 0, nil }
func (f *fakeEvtchn) Write(buf []byte) (int, error)             { return len(buf), nil }
func (f *fakeEvtchn) Close() error                              { return nil }

type fakeGntdev struct {
	nextIndex uint64
	unmapped  [][]byte
}

func (f *fakeGntdev) Fd() int { return 2 }
func (f *fakeGntdev) Ioctl(req uintptr, arg uintptr) (uintptr, error) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(arg)), 16)
	count := binary.LittleEndian.Uint32(buf[0:4])
	index := f.nextIndex
	f.nextIndex += uint64(count) + 1
	binary.LittleEndian.PutUint64(buf[8:16], index)
	return 0, nil
}
func (f *fakeGntdev) Mmap(offset int64, length int, prot, flags int) ([]byte, error) {
	return make([]byte, length), nil
}
func (f *fakeGntdev) Munmap(b []byte) error {
	f.unmapped = append(f.unmapped, b)
	return nil
}
func (f *fakeGntdev) Read([]byte) (int, error)  { return 0, nil }
func (f *fakeGntdev) Write([]byte) (int, error) { return 0, nil }
func (f *fakeGntdev) Close() error              { return nil }

const ringHeaderSize = 64

func newTestRing(t *testing.T) (*ring.SharedRing, []byte) {
	t.Helper()
	mem := make([]byte, 4096)
	layout := abi.LayoutFor(abi.Native)
	r, err := ring.New(mem, 0, layout)
	require.NoError(t, err)
	return r, mem
}

func putRequest(t *testing.T, mem []byte, slot int, req abi.Request) {
	t.Helper()
	layout := abi.LayoutFor(abi.Native)
	buf := make([]byte, layout.RequestSize())
	require.NoError(t, layout.EncodeRequest(&req, buf))
	off := ringHeaderSize + slot*layout.RequestSize()
	copy(mem[off:], buf)
}

func setReqProd(mem []byte, n uint32)  { binary.LittleEndian.PutUint32(mem[0:4], n) }
func setRspEvent(mem []byte, n uint32) { binary.LittleEndian.PutUint32(mem[12:16], n) }

func decodeResponse(t *testing.T, mem []byte, slot int) abi.Response {
	t.Helper()
	layout := abi.LayoutFor(abi.Native)
	off := ringHeaderSize + slot*layout.RequestSize() // ring slots are as wide as the larger request entry
	resp, err := layout.DecodeResponse(mem[off:])
	require.NoError(t, err)
	return resp
}

// wiredBlkif builds a real *blkif.Blkif in front of v, over a fresh
// one-page native-ABI ring, so tests can exercise the full
// guest-request -> engine -> completion path end to end.
func wiredBlkif(t *testing.T, v *VBD) (*blkif.Blkif, *ring.SharedRing, []byte, *fakeEvtchn, *fakeGntdev) {
	t.Helper()
	r, mem := newTestRing(t)
	evt := &fakeEvtchn{}
	gnt := &fakeGntdev{}
	ctx := xenio.NewContextForTesting("test", evt, gnt)
	b := blkif.New(ctx, 3, 51712, r, 7, 7, v, nil, nil)
	return b, r, mem, evt, gnt
}

func memChain(t *testing.T, size int64) *imagechain.Chain {
	t.Helper()
	return &imagechain.Chain{Leaves: []imagechain.Image{imagechain.NewMemleaf(size)}}
}

func openRunning(t *testing.T, v *VBD, chain *imagechain.Chain) {
	t.Helper()
	v.Attach()
	require.NoError(t, v.Open(chain))
}

func TestTickDispatchesWriteThroughImageChain(t *testing.T) {
	v := New(Config{UUID: "u1", Name: "disk0"})
	openRunning(t, v, memChain(t, 4096))
	b, _, mem, evt, gnt := wiredBlkif(t, v)

	putRequest(t, mem, 0, abi.Request{
		Operation:   abi.OpWrite,
		ID:          1,
		NumSegments: 1,
		Segments:    [11]abi.Segment{{GrantRef: 9, First: 0, Last: 0}},
	})
	setReqProd(mem, 1)
	setRspEvent(mem, 1)

	b.DrainRing()
	require.Equal(t, b.RingSize()-1, uint32(b.NumFree()))

	pumpUntil(t, v, time.Second, func() bool { return uint32(b.NumFree()) == b.RingSize() })

	resp := decodeResponse(t, mem, 0)
	require.Equal(t, abi.RspOkay, resp.Status)
	require.Contains(t, evt.notifies, uint32(7))
	require.Len(t, gnt.unmapped, 1)
}

func TestSubmitRejectedWithEBUSYWhenNotRunning(t *testing.T) {
	v := New(Config{})
	req := &blkif.Request{Op: abi.OpRead, Iovec: [][]byte{make([]byte, 512)}}
	err := v.Submit(req)
	require.ErrorIs(t, err, syscall.EBUSY)
}

func TestPauseDrainsThenBlocksNewRequests(t *testing.T) {
	v := New(Config{})
	openRunning(t, v, memChain(t, 4096))
	b, _, mem, _, _ := wiredBlkif(t, v)

	putRequest(t, mem, 0, abi.Request{
		Operation:   abi.OpRead,
		ID:          2,
		NumSegments: 1,
		Segments:    [11]abi.Segment{{GrantRef: 1, First: 0, Last: 0}},
	})
	setReqProd(mem, 1)
	b.DrainRing()

	require.NoError(t, v.RequestPause())
	require.True(t, v.HasState(PauseRequested))

	// The in-flight request dispatches onto the async image queue; Pause
	// only completes once it has drained out of newQ and out of flight.
	pumpUntil(t, v, time.Second, func() bool { return v.HasState(Paused) })
	require.False(t, v.IsRunning())

	require.ErrorIs(t, v.Submit(&blkif.Request{Op: abi.OpRead, Iovec: [][]byte{make([]byte, 512)}}), syscall.EBUSY)

	require.NoError(t, v.Resume(nil))
	require.True(t, v.IsRunning())
	require.False(t, v.HasState(Paused))
}

func TestResumeRebindsImageChain(t *testing.T) {
	v := New(Config{})
	openRunning(t, v, memChain(t, 4096))
	require.NoError(t, v.RequestPause())
	v.Tick(time.Now())
	require.True(t, v.HasState(Paused))

	newChain := memChain(t, 8192)
	require.NoError(t, v.Resume(newChain))
	v.mu.Lock()
	got := v.chain
	v.mu.Unlock()
	require.Same(t, newChain, got)
}

func TestMirrorFailoverOnENOSPCRetiresPrimaryAndWritesSecondary(t *testing.T) {
	primary := &imagechain.EnospcLeaf{Image: imagechain.NewMemleaf(4096), Trigger: true}
	secondary := imagechain.NewMemleaf(4096)
	chain := &imagechain.Chain{Leaves: []imagechain.Image{primary}, Secondary: secondary}

	m := metrics.New(time.Now())
	v := New(Config{SecondaryMode: SecondaryMirror, Metrics: m})
	openRunning(t, v, chain)
	b, _, mem, _, _ := wiredBlkif(t, v)

	putRequest(t, mem, 0, abi.Request{
		Operation:   abi.OpWrite,
		ID:          3,
		NumSegments: 1,
		Segments:    [11]abi.Segment{{GrantRef: 4, First: 0, Last: 0}},
	})
	setReqProd(mem, 1)
	b.DrainRing()

	pumpUntil(t, v, time.Second, func() bool {
		v.mu.Lock()
		retired := v.chain.Retired != nil
		v.mu.Unlock()
		return retired && m.Failovers == 1 && uint32(b.NumFree()) == b.RingSize()
	})

	resp := decodeResponse(t, mem, 0)
	require.Equal(t, abi.RspOkay, resp.Status)

	v.mu.Lock()
	retired := v.chain.Retired
	v.mu.Unlock()
	require.Same(t, primary, retired)
	require.Equal(t, int64(1), m.EnospcEvents)
	require.Equal(t, int64(1), m.Failovers)

	// A second write must go straight to the secondary without retrying
	// the (already retired) primary.
	putRequest(t, mem, 1, abi.Request{
		Operation:   abi.OpWrite,
		ID:          4,
		NumSegments: 1,
		Segments:    [11]abi.Segment{{GrantRef: 4, First: 0, Last: 0}},
	})
	setReqProd(mem, 2)
	b.DrainRing()
	pumpUntil(t, v, time.Second, func() bool { return uint32(b.NumFree()) == b.RingSize() })
	resp2 := decodeResponse(t, mem, 1)
	require.Equal(t, abi.RspOkay, resp2.Status)
}

func TestForceCloseFailsOutstandingRequestsWithEIO(t *testing.T) {
	v := New(Config{})
	openRunning(t, v, memChain(t, 4096))
	b, _, mem, _, gnt := wiredBlkif(t, v)

	putRequest(t, mem, 0, abi.Request{
		Operation:   abi.OpWrite,
		ID:          5,
		NumSegments: 1,
		Segments:    [11]abi.Segment{{GrantRef: 2, First: 0, Last: 0}},
	})
	setReqProd(mem, 1)
	b.DrainRing()
	require.Equal(t, b.RingSize()-1, uint32(b.NumFree()))

	v.ForceClose()

	require.True(t, v.HasState(Closed))
	require.True(t, v.HasState(Dead))
	require.Equal(t, b.RingSize(), uint32(b.NumFree()))
	resp := decodeResponse(t, mem, 0)
	require.Equal(t, abi.RspError, resp.Status)
	require.Len(t, gnt.unmapped, 1)
}

// hangingImage never returns from ReadAt/WriteAt until unblocked,
// simulating a wedged backend (spec §8 S6).
type hangingImage struct {
	imagechain.Image
	unblock chan struct{}
}

func (h *hangingImage) WriteAt(p []byte, off int64) (int, error) {
	<-h.unblock
	return h.Image.WriteAt(p, off)
}

// TestForceCloseFailsInFlightAsyncRequestWithEIO drives a request all
// the way into the async image queue (via Tick) before force-closing,
// covering the half of ForceClose's contract that
// TestForceCloseFailsOutstandingRequestsWithEIO does not: a request
// that is no longer sitting in newQ/failedQ, but dispatched and
// in-flight against the image chain, still resolves with EIO exactly
// once, even once the stalled worker's real result eventually lands.
func TestForceCloseFailsInFlightAsyncRequestWithEIO(t *testing.T) {
	unblock := make(chan struct{})

	img := &hangingImage{Image: imagechain.NewMemleaf(4096), unblock: unblock}
	v := New(Config{})
	openRunning(t, v, &imagechain.Chain{Leaves: []imagechain.Image{img}})
	b, _, mem, _, gnt := wiredBlkif(t, v)

	putRequest(t, mem, 0, abi.Request{
		Operation:   abi.OpWrite,
		ID:          6,
		NumSegments: 1,
		Segments:    [11]abi.Segment{{GrantRef: 2, First: 0, Last: 0}},
	})
	setReqProd(mem, 1)
	b.DrainRing()

	v.Tick(time.Now()) // dispatches the write onto the async queue; Tick returns immediately despite the hang
	v.mu.Lock()
	pending := v.pendingLen
	v.mu.Unlock()
	require.Equal(t, 1, pending)

	v.ForceClose()

	require.True(t, v.HasState(Closed))
	require.Equal(t, b.RingSize(), uint32(b.NumFree()))
	resp := decodeResponse(t, mem, 0)
	require.Equal(t, abi.RspError, resp.Status)
	require.Len(t, gnt.unmapped, 1)

	// Unblocking the worker now must not panic or double-complete the
	// already force-failed request.
	close(unblock)
	time.Sleep(10 * time.Millisecond)
}

// TestCloseForcePromptDespiteHungBackend is the maintainer-requested
// regression for spec §8 S6: a permanently hung backend must not freeze
// Tick, so Close's own deadline-based force-close path still fires on
// time instead of blocking forever inside image-chain I/O.
func TestCloseForcePromptDespiteHungBackend(t *testing.T) {
	unblock := make(chan struct{})
	defer close(unblock)

	img := &hangingImage{Image: imagechain.NewMemleaf(4096), unblock: unblock}
	v := New(Config{})
	openRunning(t, v, &imagechain.Chain{Leaves: []imagechain.Image{img}})

	require.NoError(t, v.Submit(&blkif.Request{Op: abi.OpWrite, Iovec: [][]byte{make([]byte, 512)}}))

	start := time.Now()
	err := v.Close(context.Background(), 30*time.Millisecond, true)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.True(t, v.HasState(Closed))
	require.Less(t, elapsed, time.Second, "Close must not block on a hung backend image")
}

// flakyImage fails WriteAt with EAGAIN a fixed number of times before
// succeeding, exercising the retry/backoff policy (spec §4.3).
type flakyImage struct {
	imagechain.Image
	failuresLeft int
}

func (f *flakyImage) WriteAt(p []byte, off int64) (int, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return 0, syscall.EAGAIN
	}
	return f.Image.WriteAt(p, off)
}

func TestRetryPolicyRecoversBeforeExhaustingMaxRetries(t *testing.T) {
	v := New(Config{MaxRetries: 5, RetryInterval: time.Hour, RequestTimeout: time.Hour})
	chain := &imagechain.Chain{Leaves: []imagechain.Image{&flakyImage{Image: imagechain.NewMemleaf(4096), failuresLeft: 2}}}
	openRunning(t, v, chain)

	qr := &queuedRequest{
		src:         &blkif.Request{Op: abi.OpWrite, Iovec: [][]byte{make([]byte, 512)}},
		submittedAt: time.Now(),
	}
	now := time.Now()

	v.processOne(qr, now)
	pumpUntil(t, v, time.Second, func() bool { return qr.retries >= 1 })
	require.Equal(t, 1, qr.retries)
	require.Len(t, v.failedQ, 1)
	v.failedQ = nil
	qr.nextRetryAt = time.Time{}

	v.processOne(qr, now)
	pumpUntil(t, v, time.Second, func() bool { return qr.retries >= 2 })
	require.Equal(t, 2, qr.retries)
	require.Len(t, v.failedQ, 1)
	v.failedQ = nil
	qr.nextRetryAt = time.Time{}

	v.processOne(qr, now)
	drainUntil(t, v, time.Second, func() bool { return len(v.completedQ) == 1 })
	require.Nil(t, qr.lastErr)
	require.Len(t, v.completedQ, 1)
}

func TestRetryPolicyExhaustsAfterMaxRetries(t *testing.T) {
	v := New(Config{MaxRetries: 2, RetryInterval: time.Hour, RequestTimeout: time.Hour})
	chain := &imagechain.Chain{Leaves: []imagechain.Image{&flakyImage{Image: imagechain.NewMemleaf(4096), failuresLeft: 100}}}
	openRunning(t, v, chain)

	qr := &queuedRequest{
		src:         &blkif.Request{Op: abi.OpWrite, Iovec: [][]byte{make([]byte, 512)}},
		submittedAt: time.Now(),
	}
	now := time.Now()

	v.processOne(qr, now)
	pumpUntil(t, v, time.Second, func() bool { return len(v.failedQ) == 1 })
	require.Len(t, v.failedQ, 1)
	v.failedQ = nil

	v.processOne(qr, now)
	drainUntil(t, v, time.Second, func() bool { return len(v.completedQ) == 1 })
	require.Len(t, v.completedQ, 1)
	require.ErrorIs(t, v.completedQ[0].lastErr, syscall.EAGAIN)
}

func TestRequestTimeoutCompletesWithETIMEDOUT(t *testing.T) {
	m := metrics.New(time.Now())
	v := New(Config{RequestTimeout: time.Millisecond, Metrics: m})
	openRunning(t, v, memChain(t, 4096))

	qr := &queuedRequest{
		src:         &blkif.Request{Op: abi.OpRead, Iovec: [][]byte{make([]byte, 512)}},
		submittedAt: time.Now().Add(-time.Hour),
	}
	v.processOne(qr, time.Now())

	require.ErrorIs(t, qr.lastErr, syscall.ETIMEDOUT)
	require.Len(t, v.completedQ, 1)
	require.Equal(t, int64(1), m.Timeouts)
}

func TestStateString(t *testing.T) {
	v := New(Config{})
	require.Equal(t, "closed", v.State().String())
}

func TestDetachRejectedWhileRunning(t *testing.T) {
	v := New(Config{})
	openRunning(t, v, memChain(t, 4096))
	require.Error(t, v.Detach())
}

func TestQueueDepths(t *testing.T) {
	v := New(Config{})
	openRunning(t, v, memChain(t, 4096))
	require.NoError(t, v.Submit(&blkif.Request{Op: abi.OpRead, Iovec: [][]byte{make([]byte, 512)}}))
	d := v.QueueDepths()
	require.Equal(t, 1, d.New)
}
