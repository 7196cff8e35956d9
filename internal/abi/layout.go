package abi

import (
	"encoding/binary"
	"fmt"
)

// Variant names a wire ABI. The ABI is selected per-ring at connect
// time from the configuration-store "protocol" key.
type Variant int

const (
	Native Variant = iota
	X86_32
	X86_64
)

func (v Variant) String() string {
	switch v {
	case X86_32:
		return "x86_32"
	case X86_64:
		return "x86_64"
	default:
		return "native"
	}
}

// VariantForProtocol maps the configuration-store "protocol" key value
// to a Variant. An absent/empty value means native.
func VariantForProtocol(protocol string) (Variant, error) {
	switch protocol {
	case "", "native":
		return Native, nil
	case "x86_32-abi":
		return X86_32, nil
	case "x86_64-abi":
		return X86_64, nil
	default:
		return Native, fmt.Errorf("abi: unknown protocol %q", protocol)
	}
}

// Layout encodes and decodes a Request/Response for one wire ABI. The
// three variants differ only in the padding inserted before 64-bit
// fields (x86_32 guests pack uint64 fields on a 4-byte boundary; native
// and x86_64 hosts pack them on an 8-byte boundary), mirroring the real
// layout divergence between 32- and 64-bit blkif_request/blkif_response
// definitions.
type Layout interface {
	Variant() Variant
	RequestSize() int
	ResponseSize() int
	EncodeRequest(r *Request, buf []byte) error
	DecodeRequest(buf []byte) (*Request, error)
	EncodeResponse(r *Response, buf []byte) error
	DecodeResponse(buf []byte) (*Response, error)
}

// LayoutFor returns the Layout implementation for a Variant.
func LayoutFor(v Variant) Layout {
	switch v {
	case X86_32:
		return x86_32Layout{}
	case X86_64:
		return x86_64Layout{}
	default:
		return nativeLayout{}
	}
}

// segmentWire is the on-wire shape of one segment: identical across all
// three variants (grant_ref_t is uint32 everywhere).
const segmentWireSize = 6

func putSegment(buf []byte, s Segment) {
	binary.LittleEndian.PutUint32(buf[0:4], s.GrantRef)
	buf[4] = s.First
	buf[5] = s.Last
}

func getSegment(buf []byte) Segment {
	return Segment{
		GrantRef: binary.LittleEndian.Uint32(buf[0:4]),
		First:    buf[4],
		Last:     buf[5],
	}
}

// --- native / x86_64: 64-bit fields 8-byte aligned ---

type nativeLayout struct{}
type x86_64Layout struct{ nativeLayout }

func (nativeLayout) Variant() Variant { return Native }
func (x86_64Layout) Variant() Variant { return X86_64 }

// Wire shape (64-bit alignment):
//   u8 operation; u8 nr_segments; u16 handle; u32 _pad;
//   u64 id; u64 sector_number;
//   segment[11]
const native64RequestSize = 1 + 1 + 2 + 4 + 8 + 8 + MaxSegments*segmentWireSize

func (nativeLayout) RequestSize() int { return native64RequestSize }

func (nativeLayout) EncodeRequest(r *Request, buf []byte) error {
	if len(buf) < native64RequestSize {
		return fmt.Errorf("abi: buffer too small for native request: %d < %d", len(buf), native64RequestSize)
	}
	buf[0] = uint8(r.Operation)
	buf[1] = r.NumSegments
	binary.LittleEndian.PutUint16(buf[2:4], 0) // handle, unused by this daemon
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], r.ID)
	binary.LittleEndian.PutUint64(buf[16:24], r.SectorNumber)
	off := 24
	for i := 0; i < MaxSegments; i++ {
		putSegment(buf[off:], r.Segments[i])
		off += segmentWireSize
	}
	return nil
}

func (nativeLayout) DecodeRequest(buf []byte) (*Request, error) {
	if len(buf) < native64RequestSize {
		return nil, fmt.Errorf("abi: buffer too small for native request: %d < %d", len(buf), native64RequestSize)
	}
	r := &Request{
		Operation:    Operation(buf[0]),
		NumSegments:  buf[1],
		ID:           binary.LittleEndian.Uint64(buf[8:16]),
		SectorNumber: binary.LittleEndian.Uint64(buf[16:24]),
	}
	off := 24
	for i := 0; i < MaxSegments; i++ {
		r.Segments[i] = getSegment(buf[off:])
		off += segmentWireSize
	}
	return r, nil
}

const native64ResponseSize = 8 + 1 + 1 + 2

func (nativeLayout) ResponseSize() int { return native64ResponseSize }

func (nativeLayout) EncodeResponse(r *Response, buf []byte) error {
	if len(buf) < native64ResponseSize {
		return fmt.Errorf("abi: buffer too small for native response: %d < %d", len(buf), native64ResponseSize)
	}
	binary.LittleEndian.PutUint64(buf[0:8], r.ID)
	buf[8] = uint8(r.Operation)
	buf[9] = 0
	binary.LittleEndian.PutUint16(buf[10:12], uint16(r.Status))
	return nil
}

func (nativeLayout) DecodeResponse(buf []byte) (*Response, error) {
	if len(buf) < native64ResponseSize {
		return nil, fmt.Errorf("abi: buffer too small for native response: %d < %d", len(buf), native64ResponseSize)
	}
	return &Response{
		ID:        binary.LittleEndian.Uint64(buf[0:8]),
		Operation: Operation(buf[8]),
		Status:    Status(int16(binary.LittleEndian.Uint16(buf[10:12]))),
	}, nil
}

// --- x86_32: 64-bit fields only 4-byte aligned, no padding word ---

type x86_32Layout struct{}

func (x86_32Layout) Variant() Variant { return X86_32 }

// Wire shape (32-bit alignment, no padding before id):
//   u8 operation; u8 nr_segments; u16 handle;
//   u64 id; u64 sector_number;
//   segment[11]
const x8632RequestSize = 1 + 1 + 2 + 8 + 8 + MaxSegments*segmentWireSize

func (x86_32Layout) RequestSize() int { return x8632RequestSize }

func (x86_32Layout) EncodeRequest(r *Request, buf []byte) error {
	if len(buf) < x8632RequestSize {
		return fmt.Errorf("abi: buffer too small for x86_32 request: %d < %d", len(buf), x8632RequestSize)
	}
	buf[0] = uint8(r.Operation)
	buf[1] = r.NumSegments
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint64(buf[4:12], r.ID)
	binary.LittleEndian.PutUint64(buf[12:20], r.SectorNumber)
	off := 20
	for i := 0; i < MaxSegments; i++ {
		putSegment(buf[off:], r.Segments[i])
		off += segmentWireSize
	}
	return nil
}

func (x86_32Layout) DecodeRequest(buf []byte) (*Request, error) {
	if len(buf) < x8632RequestSize {
		return nil, fmt.Errorf("abi: buffer too small for x86_32 request: %d < %d", len(buf), x8632RequestSize)
	}
	r := &Request{
		Operation:    Operation(buf[0]),
		NumSegments:  buf[1],
		ID:           binary.LittleEndian.Uint64(buf[4:12]),
		SectorNumber: binary.LittleEndian.Uint64(buf[12:20]),
	}
	off := 20
	for i := 0; i < MaxSegments; i++ {
		r.Segments[i] = getSegment(buf[off:])
		off += segmentWireSize
	}
	return r, nil
}

const x8632ResponseSize = 8 + 1 + 1 + 2

func (x86_32Layout) ResponseSize() int { return x8632ResponseSize }

func (x86_32Layout) EncodeResponse(r *Response, buf []byte) error {
	if len(buf) < x8632ResponseSize {
		return fmt.Errorf("abi: buffer too small for x86_32 response: %d < %d", len(buf), x8632ResponseSize)
	}
	binary.LittleEndian.PutUint64(buf[0:8], r.ID)
	buf[8] = uint8(r.Operation)
	buf[9] = 0
	binary.LittleEndian.PutUint16(buf[10:12], uint16(r.Status))
	return nil
}

func (x86_32Layout) DecodeResponse(buf []byte) (*Response, error) {
	if len(buf) < x8632ResponseSize {
		return nil, fmt.Errorf("abi: buffer too small for x86_32 response: %d < %d", len(buf), x8632ResponseSize)
	}
	return &Response{
		ID:        binary.LittleEndian.Uint64(buf[0:8]),
		Operation: Operation(buf[8]),
		Status:    Status(int16(binary.LittleEndian.Uint16(buf[10:12]))),
	}, nil
}

// x86_64Layout reuses nativeLayout's encode/decode via embedding (both
// use 8-byte alignment); only Variant() is overridden above.
