// Package abi defines the canonical in-memory request/response form for
// the block-interface ring and the three wire layouts (native, x86_32,
// x86_64) requests and responses are marshaled to/from on the wire.
package abi

import "fmt"

// Operation is the request opcode. The ring protocol defines many more
// (discard, indirect, ...); this daemon's data plane only dispatches
// reads and writes into the image chain.
type Operation uint8

const (
	OpRead Operation = iota
	OpWrite
)

func (op Operation) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Status is the response status field.
type Status int16

const (
	RspOkay  Status = 0
	RspError Status = -1
)

// MaxSegments is the largest number of segments a single request may
// carry (BLKIF_MAX_SEGMENTS_PER_REQUEST).
const MaxSegments = 11

// SectorsPerPage bounds a segment's last sector: last < SectorsPerPage.
const SectorsPerPage = 8

// SectorSize is the fixed sector size in bytes.
const SectorSize = 512

// Segment references one grant-mapped page range within a request.
type Segment struct {
	GrantRef  uint32
	First     uint8
	Last      uint8
}

// sectors returns the inclusive sector count covered by the segment.
func (s Segment) sectors() uint8 { return s.Last - s.First + 1 }

// Request is the canonical, ABI-independent in-memory request.
type Request struct {
	Operation    Operation
	ID           uint64
	SectorNumber uint64
	NumSegments  uint8
	Segments     [MaxSegments]Segment
}

// ByteOffset is sector_number<<9.
func (r *Request) ByteOffset() uint64 { return r.SectorNumber << 9 }

// Validate checks the segment-count and per-segment bounds spelled out
// by the request-parse rules: n_segs in [0, MaxSegments], and for every
// segment first <= last < SectorsPerPage.
func (r *Request) Validate() error {
	if r.NumSegments > MaxSegments {
		return fmt.Errorf("abi: n_segs %d exceeds max %d", r.NumSegments, MaxSegments)
	}
	for i := 0; i < int(r.NumSegments); i++ {
		seg := r.Segments[i]
		if seg.First > seg.Last {
			return fmt.Errorf("abi: segment %d: first %d > last %d", i, seg.First, seg.Last)
		}
		if seg.Last >= SectorsPerPage {
			return fmt.Errorf("abi: segment %d: last %d >= sectors_per_page %d", i, seg.Last, SectorsPerPage)
		}
	}
	return nil
}

// ByteLength sums the segment sector counts, in bytes.
func (r *Request) ByteLength() uint64 {
	var sectors uint64
	for i := 0; i < int(r.NumSegments); i++ {
		sectors += uint64(r.Segments[i].sectors())
	}
	return sectors * SectorSize
}

// Response is the canonical, ABI-independent in-memory response.
type Response struct {
	ID        uint64
	Operation Operation
	Status    Status
}
