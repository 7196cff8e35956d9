package ring

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/blktapd/blktapd/internal/abi"
)

func newTestRing(t *testing.T, order uint, v abi.Variant) (*SharedRing, []byte) {
	t.Helper()
	mem := make([]byte, (1<<order)*4096)
	r, err := New(mem, order, abi.LayoutFor(v))
	require.NoError(t, err)
	return r, mem
}

// guestProduce simulates the guest side: write a request into the slot
// and bump req_prod with a release store.
func guestProduce(t *testing.T, r *SharedRing, layout abi.Layout, idx uint32, req *abi.Request) {
	t.Helper()
	require.NoError(t, layout.EncodeRequest(req, r.slot(idx)))
	h := (*header)(unsafe.Pointer(&r.mem[0]))
	atomic.StoreUint32(&h.ReqProd, idx+1)
}

func TestDecodeRequestsBasic(t *testing.T) {
	r, _ := newTestRing(t, 0, abi.Native)
	layout := abi.LayoutFor(abi.Native)

	req := &abi.Request{Operation: abi.OpRead, ID: 0xAB, SectorNumber: 0, NumSegments: 1}
	req.Segments[0] = abi.Segment{GrantRef: 100, First: 0, Last: 7}
	guestProduce(t, r, layout, 0, req)

	dst := make([]*abi.Request, 4)
	n, err := r.DecodeRequests(dst)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, req, dst[0])

	// req_cons has caught up with req_prod: nothing more to decode.
	n, err = r.DecodeRequests(dst)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFinalCheckForRequestsSeesRace(t *testing.T) {
	r, _ := newTestRing(t, 0, abi.Native)
	layout := abi.LayoutFor(abi.Native)

	req := &abi.Request{Operation: abi.OpWrite, ID: 1, NumSegments: 0}
	guestProduce(t, r, layout, 0, req)

	dst := make([]*abi.Request, 1)
	n, err := r.DecodeRequests(dst)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	more := r.FinalCheckForRequests()
	require.False(t, more, "no new request should be pending")

	// Guest races in a second request right after our check.
	req2 := &abi.Request{Operation: abi.OpWrite, ID: 2, NumSegments: 0}
	guestProduce(t, r, layout, 1, req2)

	more = r.FinalCheckForRequests()
	require.True(t, more, "final check must observe the raced request")

	n, err = r.DecodeRequests(dst)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, req2, dst[0])
}

func TestPublishResponsesNotifyCondition(t *testing.T) {
	r, mem := newTestRing(t, 0, abi.Native)
	h := (*header)(unsafe.Pointer(&mem[0]))

	// Guest asks to be woken once rsp_prod passes rsp_event=1; a nonzero
	// threshold exercises the comparison rather than the zero-initialised
	// header.
	atomic.StoreUint32(&h.RspEvent, 1)

	require.NoError(t, r.EncodeResponse(&abi.Response{ID: 0xAB, Operation: abi.OpRead, Status: abi.RspOkay}))
	notify := r.PublishResponses()
	require.True(t, notify, "crossing rsp_event=1 with rsp_prod=1 must notify")
	require.Equal(t, uint32(1), atomic.LoadUint32(&h.RspProd))

	// A second publish with nothing new produced must not notify again.
	notify = r.PublishResponses()
	require.False(t, notify)
}

func TestPublishResponsesNoNotifyBelowThreshold(t *testing.T) {
	r, mem := newTestRing(t, 0, abi.Native)
	h := (*header)(unsafe.Pointer(&mem[0]))
	atomic.StoreUint32(&h.RspEvent, 5)

	require.NoError(t, r.EncodeResponse(&abi.Response{ID: 1, Operation: abi.OpRead, Status: abi.RspOkay}))
	notify := r.PublishResponses()
	require.False(t, notify, "rsp_prod=1 has not reached rsp_event=5")
}

func TestRingSizeRejectsOversizedOrder(t *testing.T) {
	mem := make([]byte, (1<<4)*4096)
	_, err := New(mem, 4, abi.LayoutFor(abi.Native))
	require.Error(t, err)
}

func TestRingEntriesIsPowerOfTwo(t *testing.T) {
	for _, order := range []uint{0, 1, 2, 3} {
		r, _ := newTestRing(t, order, abi.Native)
		sz := r.Size()
		require.Equal(t, sz&(sz-1), uint32(0), "ring size must be a power of two, got %d", sz)
	}
}
