package abi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRequest(op Operation, id uint64, nsegs uint8) *Request {
	r := &Request{Operation: op, ID: id, SectorNumber: 8, NumSegments: nsegs}
	for i := 0; i < int(nsegs); i++ {
		r.Segments[i] = Segment{GrantRef: uint32(100 + i), First: 0, Last: 7}
	}
	return r
}

func TestRequestRoundTripAllVariants(t *testing.T) {
	variants := []Variant{Native, X86_32, X86_64}
	cases := []struct {
		op    Operation
		id    uint64
		nsegs uint8
	}{
		{OpRead, 0xAB, 0},
		{OpWrite, 1, 1},
		{OpRead, 0xFFFFFFFFFFFFFFFF, MaxSegments},
	}

	for _, v := range variants {
		layout := LayoutFor(v)
		for _, c := range cases {
			req := sampleRequest(c.op, c.id, c.nsegs)
			buf := make([]byte, layout.RequestSize())
			require.NoError(t, layout.EncodeRequest(req, buf))

			got, err := layout.DecodeRequest(buf)
			require.NoError(t, err)
			require.Equal(t, req, got, "variant %s round-trip mismatch", v)
		}
	}
}

func TestResponseRoundTripAllVariants(t *testing.T) {
	for _, v := range []Variant{Native, X86_32, X86_64} {
		layout := LayoutFor(v)
		resp := &Response{ID: 0xAB, Operation: OpRead, Status: RspOkay}
		buf := make([]byte, layout.ResponseSize())
		require.NoError(t, layout.EncodeResponse(resp, buf))

		got, err := layout.DecodeResponse(buf)
		require.NoError(t, err)
		require.Equal(t, resp, got)
	}
}

func TestValidateSegmentBounds(t *testing.T) {
	valid := sampleRequest(OpRead, 1, MaxSegments)
	require.NoError(t, valid.Validate())

	tooMany := sampleRequest(OpRead, 1, MaxSegments)
	tooMany.NumSegments = MaxSegments + 1
	require.Error(t, tooMany.Validate())

	badOrder := sampleRequest(OpRead, 1, 1)
	badOrder.Segments[0] = Segment{GrantRef: 1, First: 5, Last: 2}
	require.Error(t, badOrder.Validate())

	outOfPage := sampleRequest(OpRead, 1, 1)
	outOfPage.Segments[0] = Segment{GrantRef: 1, First: 0, Last: SectorsPerPage}
	require.Error(t, outOfPage.Validate())
}

func TestVariantForProtocol(t *testing.T) {
	tests := map[string]Variant{
		"":            Native,
		"native":      Native,
		"x86_32-abi":  X86_32,
		"x86_64-abi":  X86_64,
	}
	for in, want := range tests {
		got, err := VariantForProtocol(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := VariantForProtocol("bogus")
	require.Error(t, err)
}

func TestByteOffsetAndLength(t *testing.T) {
	req := sampleRequest(OpRead, 1, 2)
	require.Equal(t, uint64(8)<<9, req.ByteOffset())
	require.Equal(t, uint64(2*8*SectorSize), req.ByteLength())
}
