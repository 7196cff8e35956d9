package xenio

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// mapGrantRefHeaderSize is sizeof(mapGrantRef): count(4) + pad(4) + index(8).
const mapGrantRefHeaderSize = 16

// buildMapGrantRefArg lays out the fixed header followed by the
// variable-length {domid,ref} array the way the C flexible-array-member
// struct does, since Go has no equivalent.
func buildMapGrantRefArg(domid uint16, refs []uint32) []byte {
	buf := make([]byte, mapGrantRefHeaderSize+len(refs)*8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(refs)))
	off := mapGrantRefHeaderSize
	for _, ref := range refs {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(domid))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], ref)
		off += 8
	}
	return buf
}

func readBackIndex(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[8:16])
}

// MapOne maps a single request's grant references into one contiguous
// VMA: the trivial one-shot path (xenio_blkif_mmap_one's Go analogue).
// writable selects read+write protection (READ requests, where the
// guest is the reader and this process writes the payload) vs
// read-only (WRITE requests).
func (c *Context) MapOne(domid uint16, grefs []uint32, writable bool) ([]byte, error) {
	if len(grefs) == 0 {
		return nil, nil
	}
	arg := buildMapGrantRefArg(domid, grefs)
	if _, err := c.gntdev.Ioctl(iocGntdevMapGrantRef, uintptr(unsafe.Pointer(&arg[0]))); err != nil {
		return nil, fmt.Errorf("xenio: map_grant_ref domid=%d n=%d: %w", domid, len(grefs), err)
	}
	index := readBackIndex(arg)

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	vma, err := c.gntdev.Mmap(int64(index*pageSize), len(grefs)*pageSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("xenio: mmap grant-mapped region: %w", err)
	}
	return vma, nil
}

// BatchRequest is one request's grant set within a MapBatch call.
type BatchRequest struct {
	Domid    uint16
	Grefs    []uint32
	Writable bool
}

// MapBatch maps several requests' grants through one shared,
// frame-pool-backed mapping call (xenio_blkif_map_grants /
// xenio_blkif_mmap_requests's Go analogue), then slices out each
// request's sub-range, so N requests cost one ioctl + one mmap instead
// of N each. blkif's drain loop does not call it: it maps each request
// with MapOne. Like the
// original, this can return EAGAIN transiently if the shared frame pool
// is momentarily exhausted; callers should retry the whole batch.
func (c *Context) MapBatch(reqs []BatchRequest) ([][]byte, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	var allRefs []uint32
	domid := reqs[0].Domid
	writable := false
	pagesPerReq := make([]int, len(reqs))
	for i, r := range reqs {
		allRefs = append(allRefs, r.Grefs...)
		pagesPerReq[i] = len(r.Grefs)
		if r.Writable {
			writable = true
		}
	}

	arg := buildMapGrantRefArg(domid, allRefs)
	if _, err := c.gntdev.Ioctl(iocGntdevMapGrantRef, uintptr(unsafe.Pointer(&arg[0]))); err != nil {
		if err == unix.EAGAIN {
			return nil, fmt.Errorf("xenio: map_batch frame pool exhausted: %w", err)
		}
		return nil, fmt.Errorf("xenio: map_batch n=%d: %w", len(allRefs), err)
	}
	index := readBackIndex(arg)

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	region, err := c.gntdev.Mmap(int64(index*pageSize), len(allRefs)*pageSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("xenio: mmap batch region: %w", err)
	}

	out := make([][]byte, len(reqs))
	off := 0
	for i, n := range pagesPerReq {
		out[i] = region[off*pageSize : (off+n)*pageSize]
		off += n
	}
	return out, nil
}

// Unmap releases a VMA previously returned by MapOne or an entry of
// MapBatch's result. Per spec §9, the caller must unmap on every exit
// path — success, error, and teardown alike.
func (c *Context) Unmap(vma []byte) error {
	if len(vma) == 0 {
		return nil
	}
	if err := c.gntdev.Munmap(vma); err != nil {
		return fmt.Errorf("xenio: munmap: %w", err)
	}
	return nil
}
