package blkif

import (
	"encoding/binary"
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/blktapd/blktapd/internal/abi"
	"github.com/blktapd/blktapd/internal/ring"
	"github.com/blktapd/blktapd/internal/xenio"
)

// fakeEvtchn simulates just enough of /dev/xen/evtchn for a blkif
// Notify/Unbind call; it never needs to model pending-port reads here
// since DrainRing is invoked directly by the test, not via
// Context.PollAndDispatch.
type fakeEvtchn struct {
	notifies []uint32
	unbinds  []uint32
}

func (f *fakeEvtchn) Fd() int { return 1 }
func (f *fakeEvtchn) Ioctl(req uintptr, arg uintptr) (uintptr, error) {
	// This fake only ever receives notify/unbind ioctls in these tests;
	// arg is the raw port number for both.
	f.notifies = append(f.notifies, uint32(arg))
	return 0, nil
}
func (f *fakeEvtchn) Mmap(int64, int, int, int) ([]byte, error) { return nil, nil }
func (f *fakeEvtchn) Munmap([]byte) error                        { return nil }
func (f *fakeEvtchn) Read(buf []byte) (int, error)                { return 0, nil }
func (f *fakeEvtchn) Write(buf []byte) (int, error)                { return len(buf), nil }
func (f *fakeEvtchn) Close() error                                 { return nil }

// fakeGntdev simulates /dev/xen/gntdev's map_grant_ref ioctl + mmap.
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

type fakeQueue struct {
	submitted []*Request
	reject    bool
}

func (q *fakeQueue) Submit(req *Request) error {
	if q.reject {
		return errTestRejected
	}
	q.submitted = append(q.submitted, req)
	return nil
}

var errTestRejected = fmt.Errorf("blkif_test: rejected")

// newTestRing builds a one-page native-ABI ring and returns it along
// with the raw backing memory so the test can poke the header/slots
// directly, simulating the guest side.
func newTestRing(t *testing.T) (*ring.SharedRing, []byte) {
	t.Helper()
	mem := make([]byte, 4096)
	layout := abi.LayoutFor(abi.Native)
	r, err := ring.New(mem, 0, layout)
	require.NoError(t, err)
	return r, mem
}

const ringHeaderSize = 64

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
func getRspProd(mem []byte) uint32     { return binary.LittleEndian.Uint32(mem[8:12]) }

func TestDrainRingSubmitsValidRequestAndNotifiesOnComplete(t *testing.T) {
	r, mem := newTestRing(t)
	evt := &fakeEvtchn{}
	gnt := &fakeGntdev{}
	ctx := xenio.NewContextForTesting("test", evt, gnt)
	queue := &fakeQueue{}

	putRequest(t, mem, 0, abi.Request{
		Operation:    abi.OpRead,
		ID:           0xAB,
		SectorNumber: 0,
		NumSegments:  1,
		Segments:     [11]abi.Segment{{GrantRef: 100, First: 0, Last: 7}},
	})
	setReqProd(mem, 1)
	setRspEvent(mem, 1) // guest wants to be notified of the first response

	b := New(ctx, 3, 51712, r, 7, 7, queue, nil, nil)
	b.DrainRing()

	require.Len(t, queue.submitted, 1)
	req := queue.submitted[0]
	require.Equal(t, uint64(0xAB), req.Token)
	require.Equal(t, abi.OpRead, req.Op)
	require.Len(t, req.Iovec, 1)
	require.Len(t, req.Iovec[0], 4096) // 8 sectors coalesced into one span

	// Request is still in flight: the blkif must not be destroyable yet.
	require.Equal(t, b.RingSize()-1, uint32(b.NumFree()))
	require.Error(t, b.Destroy())

	req.Complete(nil, true)

	require.Equal(t, b.RingSize(), uint32(b.NumFree()))
	require.Equal(t, uint32(1), getRspProd(mem))
	require.Contains(t, evt.notifies, uint32(7))
	require.Len(t, gnt.unmapped, 1)
}

func TestDrainRingRejectsOversizedSegmentCount(t *testing.T) {
	r, mem := newTestRing(t)
	ctx := xenio.NewContextForTesting("test", &fakeEvtchn{}, &fakeGntdev{})
	queue := &fakeQueue{}

	putRequest(t, mem, 0, abi.Request{
		Operation:   abi.OpWrite,
		ID:          7,
		NumSegments: 12, // > BlkifMaxSegmentsPerRequest
	})
	setReqProd(mem, 1)

	b := New(ctx, 3, 51712, r, 7, 7, queue, nil, nil)
	b.DrainRing()

	require.Empty(t, queue.submitted)
	require.Equal(t, b.RingSize(), uint32(b.NumFree())) // no slot consumed
	require.Equal(t, uint32(1), getRspProd(mem))

	resp, err := abi.LayoutFor(abi.Native).DecodeResponse(mem[ringHeaderSize:])
	require.NoError(t, err)
	require.Equal(t, abi.RspError, resp.Status)
	require.Equal(t, uint64(7), resp.ID)
}

func TestDrainRingRespondsErrorWhenVBDRejects(t *testing.T) {
	r, mem := newTestRing(t)
	ctx := xenio.NewContextForTesting("test", &fakeEvtchn{}, &fakeGntdev{})
	queue := &fakeQueue{reject: true}

	putRequest(t, mem, 0, abi.Request{
		Operation:    abi.OpWrite,
		ID:           55,
		NumSegments:  1,
		Segments:     [11]abi.Segment{{GrantRef: 5, First: 0, Last: 0}},
	})
	setReqProd(mem, 1)

	b := New(ctx, 3, 51712, r, 7, 7, queue, nil, nil)
	b.DrainRing()

	require.Equal(t, b.RingSize(), uint32(b.NumFree()))
	resp, err := abi.LayoutFor(abi.Native).DecodeResponse(mem[ringHeaderSize:])
	require.NoError(t, err)
	require.Equal(t, abi.RspError, resp.Status)
}
