// Package blkif implements the per-guest block-interface object: ring
// mapping, event port, request slab and free list, and the drain loop
// that decodes ring requests, maps their grants, and submits them to
// the VBD engine, deferring at most one event-channel notify per
// wake-up (spec §4.2, component C).
package blkif

import (
	"fmt"
	"unsafe"

	"github.com/blktapd/blktapd/internal/abi"
	"github.com/blktapd/blktapd/internal/logging"
	"github.com/blktapd/blktapd/internal/metrics"
	"github.com/blktapd/blktapd/internal/ring"
	"github.com/blktapd/blktapd/internal/xenio"
)

// pageSize is the grant-mapped page size iovec offsets are computed
// against (spec §4.1: base = vma + page_index*page_size + first*512).
const pageSize = 4096

// VBDQueue is the engine-side API a Blkif submits requests into. The
// VBD engine (internal/vbd) implements this; declaring it here (rather
// than importing internal/vbd) keeps blkif -> vbd a one-way dependency.
type VBDQueue interface {
	Submit(req *Request) error
}

// Request is what blkif hands the engine: the parsed operation, the
// coalesced iovec into grant-mapped memory, and a completion callback
// the engine invokes exactly once.
type Request struct {
	Op     abi.Operation
	Offset uint64
	Iovec  [][]byte
	Token  uint64 // the originating ring request's opaque id

	slotIdx int
	owner   *Blkif
}

// Complete is the completion callback the engine (or anything acting on
// its behalf) invokes when a Request finishes. final must be true for
// exactly the last completion of a given processing batch: that is what
// triggers the one notify per wake-up. A Request that was not read off
// a Blkif's ring has no owner to answer, and completing it is a no-op.
func (r *Request) Complete(err error, final bool) {
	if r.owner == nil {
		return
	}
	r.owner.complete(r, err, final)
}

// BlkifKey identifies the owning Blkif for grouping purposes, e.g. so
// the VBD engine can mark "final" on the last completion per
// originating ring when flushing a mixed batch (spec §4.3 step 4: final
// is set on the last of the batch per token). It is not a usable
// pointer to the Blkif itself, only a stable identity key.
func (r *Request) BlkifKey() uintptr { return uintptr(unsafe.Pointer(r.owner)) }

type slot struct {
	req *Request
	vma []byte
}

// Blkif is one connected guest ring.
type Blkif struct {
	Domid      uint16
	Devid      uint32
	RemotePort uint32

	ctx       *xenio.Context
	ring      *ring.SharedRing
	localPort uint32
	queue     VBDQueue
	logger    *logging.Logger
	metrics   *metrics.Metrics

	slab []slot
	free []int // stack of free slot indices; len(free) is n_reqs_free

	ringSize uint32
}

// New builds a Blkif over an already-mapped SharedRing and an
// already-bound local event port, with a slab sized to the ring.
func New(ctx *xenio.Context, domid uint16, devid uint32, r *ring.SharedRing, localPort, remotePort uint32, queue VBDQueue, logger *logging.Logger, m *metrics.Metrics) *Blkif {
	size := r.Size()
	b := &Blkif{
		Domid:      domid,
		Devid:      devid,
		RemotePort: remotePort,
		ctx:        ctx,
		ring:       r,
		localPort:  localPort,
		queue:      queue,
		logger:     logger,
		metrics:    m,
		slab:       make([]slot, size),
		free:       make([]int, size),
		ringSize:   size,
	}
	for i := range b.free {
		b.free[i] = int(size) - 1 - i
	}
	ctx.Register(localPort, b)
	return b
}

// NumFree returns n_reqs_free; the blkif may only be destroyed when
// this equals the ring size (spec §3 invariant).
func (b *Blkif) NumFree() int { return len(b.free) }

// RingSize returns the number of request slots in the ring.
func (b *Blkif) RingSize() uint32 { return b.ringSize }

func (b *Blkif) popFree() (int, bool) {
	if len(b.free) == 0 {
		return 0, false
	}
	idx := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]
	return idx, true
}

func (b *Blkif) pushFree(idx int) {
	b.free = append(b.free, idx)
}

// DrainRing implements "queue_requests": decode everything the guest
// has produced, dispatch each request (mapping grants and submitting to
// the VBD engine, or responding RSP_ERROR immediately on parse/map/
// submit failure), and repeat per RING_FINAL_CHECK_FOR_REQUESTS until
// the ring is truly dry. Exactly one notify is issued for the whole
// wake-up, after every response produced by this call has been
// published (spec §4.1, §4.2, §5 ordering rule iii).
func (b *Blkif) DrainRing() {
	producedAny := false
	for {
		n := b.drainAvailable()
		if n > 0 {
			producedAny = true
		}
		if !b.ring.FinalCheckForRequests() {
			break
		}
	}
	if !producedAny {
		return
	}
	if b.ring.PublishResponses() {
		if err := b.ctx.Notify(b.localPort); err != nil && b.logger != nil {
			b.logger.Error("blkif: notify failed", "port", b.localPort, "err", err)
		}
	}
}

// drainAvailable decodes and dispatches up to len(b.free) requests (the
// most this blkif can currently accept) and returns how many were
// decoded.
func (b *Blkif) drainAvailable() int {
	if len(b.free) == 0 {
		return 0
	}
	reqs := make([]*abi.Request, len(b.free))
	n, err := b.ring.DecodeRequests(reqs)
	if err != nil {
		if b.logger != nil {
			b.logger.Error("blkif: decode requests failed", "err", err)
		}
		return n
	}
	for _, req := range reqs[:n] {
		b.dispatch(req)
	}
	return n
}

// dispatch parses, maps, and submits one decoded ring request. Any
// failure is reported as an immediate RSP_ERROR response (spec §4.1
// "Request parse", §4.2).
func (b *Blkif) dispatch(req *abi.Request) {
	idx, ok := b.popFree()
	if !ok {
		// Should not happen: drainAvailable caps decode count to
		// len(b.free). Report error rather than silently dropping.
		b.respondError(req.ID, req.Operation)
		return
	}

	if err := req.Validate(); err != nil {
		b.pushFree(idx)
		b.respondError(req.ID, req.Operation)
		return
	}

	writable := req.Operation == abi.OpRead
	vma, err := b.ctx.MapOne(b.Domid, grantRefs(req), writable)
	if err != nil {
		b.pushFree(idx)
		if b.logger != nil {
			b.logger.Error("blkif: grant map failed", "id", req.ID, "err", err)
		}
		b.respondError(req.ID, req.Operation)
		return
	}

	vreq := &Request{
		Op:      req.Operation,
		Offset:  req.ByteOffset(),
		Iovec:   buildIovec(vma, req.Segments[:req.NumSegments]),
		Token:   req.ID,
		slotIdx: idx,
		owner:   b,
	}
	b.slab[idx] = slot{req: vreq, vma: vma}

	if err := b.queue.Submit(vreq); err != nil {
		_ = b.ctx.Unmap(vma)
		b.pushFree(idx)
		if b.logger != nil {
			b.logger.Error("blkif: vbd rejected request", "id", req.ID, "err", err)
		}
		b.respondError(req.ID, req.Operation)
		return
	}
}

// respondError encodes an immediate RSP_ERROR response for a request
// this blkif never handed to the engine (parse/map/submit failure). The
// caller's wake-up-level notify batching still applies: this only
// writes into the ring's local rsp_prod_pvt slot.
func (b *Blkif) respondError(id uint64, op abi.Operation) {
	resp := &abi.Response{ID: id, Operation: op, Status: abi.RspError}
	if err := b.ring.EncodeResponse(resp); err != nil && b.logger != nil {
		b.logger.Error("blkif: encode error response failed", "err", err)
	}
	if b.metrics != nil {
		b.metrics.RecordError()
	}
}

// complete is invoked by Request.Complete when the VBD engine finishes
// a request it accepted. It writes the response, unmaps the grant VMA
// (spec §9 "ownership of mapped grant VMAs"), and frees the slot. final
// publishes the batch and, if the guest's notify threshold was crossed,
// raises the event channel.
func (b *Blkif) complete(req *Request, err error, final bool) {
	st := b.slab[req.slotIdx]

	resp := &abi.Response{ID: req.Token, Operation: req.Op, Status: abi.RspOkay}
	if err != nil {
		resp.Status = abi.RspError
		if b.metrics != nil {
			b.metrics.RecordError()
		}
	}
	if encErr := b.ring.EncodeResponse(resp); encErr != nil && b.logger != nil {
		b.logger.Error("blkif: encode response failed", "err", encErr)
	}

	if st.vma != nil {
		if unmapErr := b.ctx.Unmap(st.vma); unmapErr != nil && b.logger != nil {
			b.logger.Error("blkif: unmap failed", "err", unmapErr)
		}
	}
	b.slab[req.slotIdx] = slot{}
	b.pushFree(req.slotIdx)

	if final {
		if b.ring.PublishResponses() {
			if notifyErr := b.ctx.Notify(b.localPort); notifyErr != nil && b.logger != nil {
				b.logger.Error("blkif: notify failed", "port", b.localPort, "err", notifyErr)
			}
		}
	}
}

// Destroy unbinds the port and unregisters from the context. It is an
// error to call this while NumFree() < RingSize().
func (b *Blkif) Destroy() error {
	if len(b.free) != int(b.ringSize) {
		return fmt.Errorf("blkif: destroy with %d in-flight requests", int(b.ringSize)-len(b.free))
	}
	b.ctx.Unregister(b.localPort)
	return b.ctx.UnbindPort(b.localPort)
}

// grantRefs extracts the grant reference list from a request's active
// segments, in order, for the mapping call.
func grantRefs(req *abi.Request) []uint32 {
	refs := make([]uint32, req.NumSegments)
	for i := range refs {
		refs[i] = req.Segments[i].GrantRef
	}
	return refs
}

// buildIovec walks segs in order, computing each one's byte range
// within vma and coalescing adjacent ranges whose base/length abut
// (spec §4.1 "Grant mapping"). Segment i occupies page i of vma.
func buildIovec(vma []byte, segs []abi.Segment) [][]byte {
	type span struct{ base, length int }
	var spans []span
	for i, seg := range segs {
		base := i*pageSize + int(seg.First)*abi.SectorSize
		length := (int(seg.Last) - int(seg.First) + 1) * abi.SectorSize
		if len(spans) > 0 {
			last := &spans[len(spans)-1]
			if last.base+last.length == base {
				last.length += length
				continue
			}
		}
		spans = append(spans, span{base: base, length: length})
	}
	iov := make([][]byte, len(spans))
	for i, s := range spans {
		iov[i] = vma[s.base : s.base+s.length]
	}
	return iov
}
