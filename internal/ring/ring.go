// Package ring implements the shared producer/consumer ring: request
// retrieval under acquire barriers, response publication under release
// barriers, and the ring's notify-condition evaluation. It is the one
// place index arithmetic happens; blkif (the per-guest object) owns
// looping this until the ring runs dry.
package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/blktapd/blktapd/internal/abi"
)

// headerSize mirrors the real Xen sring header (four 32-bit indices,
// padded out to a cache line so the index words and the entry array
// don't share a line).
const headerSize = 64

// header is the shared-memory layout at the front of the ring. The
// guest writes ReqProd and RspEvent (the point past which it wants to
// be notified of responses); this side writes RspProd and ReqEvent (the
// point past which it wants the guest to notify it of new requests).
type header struct {
	ReqProd  uint32
	ReqEvent uint32
	RspProd  uint32
	RspEvent uint32
}

// SharedRing is one wire-ABI ring mapped into this process. req_cons
// and rsp_prod_pvt are kept locally, as in the real protocol: only the
// four header words are shared with the guest.
type SharedRing struct {
	layout    abi.Layout
	mem       []byte
	slotSize  int
	nrEntries uint32

	reqCons    uint32
	rspProdPvt uint32
}

// New wraps mem (a mapped grant-backed ring, header followed by
// entries) as a SharedRing using layout. order is the ring's page
// order (log2 of its page count); mem must be at least
// (1<<order)*PageSize bytes.
func New(mem []byte, order uint, layout abi.Layout) (*SharedRing, error) {
	const maxOrder = 3
	if order > maxOrder {
		return nil, fmt.Errorf("ring: order %d exceeds max %d", order, maxOrder)
	}
	const pageSize = 4096
	total := (1 << order) * pageSize
	if len(mem) < total {
		return nil, fmt.Errorf("ring: mem too small: %d < %d", len(mem), total)
	}
	if len(mem) < headerSize {
		return nil, fmt.Errorf("ring: mem too small for header: %d < %d", len(mem), headerSize)
	}

	slotSize := layout.RequestSize()
	if rsz := layout.ResponseSize(); rsz > slotSize {
		slotSize = rsz
	}
	avail := total - headerSize
	nrEntries := avail / slotSize
	if nrEntries == 0 {
		return nil, fmt.Errorf("ring: ring too small to hold even one %d-byte slot", slotSize)
	}
	// Entry count must be a power of two so index masking works.
	n := uint32(1)
	for n*2 <= uint32(nrEntries) {
		n *= 2
	}

	return &SharedRing{
		layout:    layout,
		mem:       mem,
		slotSize:  slotSize,
		nrEntries: n,
	}, nil
}

func (r *SharedRing) hdr() *header {
	return (*header)(unsafe.Pointer(&r.mem[0]))
}

func (r *SharedRing) slot(index uint32) []byte {
	mask := r.nrEntries - 1
	off := headerSize + int(index&mask)*r.slotSize
	return r.mem[off : off+r.slotSize]
}

// Size returns the number of request/response slots in the ring.
func (r *SharedRing) Size() uint32 { return r.nrEntries }

// Pending returns the number of requests the guest has produced but
// this side has not yet consumed, per the last DecodeRequests snapshot.
func (r *SharedRing) Pending() uint32 {
	return atomic.LoadUint32(&r.hdr().ReqProd) - r.reqCons
}

// DecodeRequests snapshots req_prod under an acquire load, then decodes
// up to len(dst) requests starting at the stored req_cons into the
// caller-preallocated dst slots, advancing req_cons as it goes. It
// returns the number of requests decoded. The caller's own loop is
// responsible for issuing FinalCheckForRequests once it believes this
// wake-up is done.
func (r *SharedRing) DecodeRequests(dst []*abi.Request) (int, error) {
	reqProd := atomic.LoadUint32(&r.hdr().ReqProd) // acquire: see guest's writes to the slots below it
	n := 0
	for n < len(dst) && r.reqCons != reqProd {
		req, err := r.layout.DecodeRequest(r.slot(r.reqCons))
		if err != nil {
			return n, fmt.Errorf("ring: decode request at %d: %w", r.reqCons, err)
		}
		dst[n] = req
		r.reqCons++
		n++
	}
	return n, nil
}

// FinalCheckForRequests implements RING_FINAL_CHECK_FOR_REQUESTS: it
// tells the guest not to notify again until past req_cons+1, issues a
// full barrier, and re-reads req_prod. If the guest produced more
// requests in the race window, it returns true and the caller should
// decode again instead of sleeping.
func (r *SharedRing) FinalCheckForRequests() bool {
	atomic.StoreUint32(&r.hdr().ReqEvent, r.reqCons+1)
	Mfence()
	return r.reqCons != atomic.LoadUint32(&r.hdr().ReqProd)
}

// EncodeResponse writes resp into the slot at the local rsp_prod_pvt
// and advances it. The response is not visible to the guest until
// PublishResponses is called.
func (r *SharedRing) EncodeResponse(resp *abi.Response) error {
	if err := r.layout.EncodeResponse(resp, r.slot(r.rspProdPvt)); err != nil {
		return fmt.Errorf("ring: encode response: %w", err)
	}
	r.rspProdPvt++
	return nil
}

// PublishResponses implements RING_PUSH_RESPONSES_AND_CHECK_NOTIFY: it
// publishes rsp_prod_pvt under a write barrier, then evaluates whether
// the guest's rsp_event threshold was crossed. The batching contract is
// that the caller calls this at most once per wake-up, after every
// response of that wake-up has been encoded.
func (r *SharedRing) PublishResponses() bool {
	old := atomic.LoadUint32(&r.hdr().RspProd)
	newProd := r.rspProdPvt
	if newProd == old {
		return false // nothing produced this wake-up
	}
	Sfence()
	atomic.StoreUint32(&r.hdr().RspProd, newProd)
	Mfence()
	rspEvent := atomic.LoadUint32(&r.hdr().RspEvent)
	return newProd-rspEvent < newProd-old
}
