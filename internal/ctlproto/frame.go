package ctlproto

import (
	"encoding/binary"
	"fmt"
)

// Frame is one control-socket message: header plus a type-tagged
// payload. Payload is one of the concrete payload types declared in
// message.go (Pid, Image, Params, StringPayload, CloseParams,
// PauseParams, Response, Minors, ListEntry, Blkif), or nil for
// FORCE_SHUTDOWN/EXIT which carry none.
type Frame struct {
	Type   Type
	Cookie uint16
	Payload any
}

// Marshal encodes f into a FrameSize-byte buffer, dispatching on the
// concrete type of f.Payload the same way the teacher's
// internal/uapi.Marshal switches on concrete struct type rather than
// reflecting over field tags.
func Marshal(f Frame) ([]byte, error) {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(f.Type))
	binary.LittleEndian.PutUint16(buf[2:4], f.Cookie)

	body := buf[headerSize:]
	switch p := f.Payload.(type) {
	case nil:
		// no payload arms used; body stays zeroed.
	case Pid:
		p.marshal(body[:p.size()])
	case Image:
		p.marshal(body[:p.size()])
	case Params:
		p.marshal(body[:p.size()])
	case StringPayload:
		p.marshal(body[:p.size()])
	case CloseParams:
		p.marshal(body[:p.size()])
	case PauseParams:
		p.marshal(body[:p.size()])
	case Response:
		p.marshal(body[:p.size()])
	case Minors:
		p.marshal(body[:p.size()])
	case ListEntry:
		p.marshal(body[:p.size()])
	case Blkif:
		p.marshal(body[:p.size()])
	default:
		return nil, fmt.Errorf("ctlproto: unmarshalable payload type %T", f.Payload)
	}
	return buf, nil
}

// Unmarshal decodes a FrameSize-byte buffer into a Frame whose Payload
// field is populated according to want — the payload shape the caller
// expects for this Type (the wire frame itself carries no tag
// identifying which union arm is live, exactly like the original
// tapdisk_message).
func Unmarshal(buf []byte, want PayloadKind) (Frame, error) {
	if len(buf) < FrameSize {
		return Frame{}, fmt.Errorf("ctlproto: short frame: %d < %d", len(buf), FrameSize)
	}
	f := Frame{
		Type:   Type(binary.LittleEndian.Uint16(buf[0:2])),
		Cookie: binary.LittleEndian.Uint16(buf[2:4]),
	}
	body := buf[headerSize:]
	switch want {
	case PayloadNone:
		// leave f.Payload nil
	case PayloadPid:
		f.Payload = unmarshalPid(body)
	case PayloadImage:
		f.Payload = unmarshalImage(body)
	case PayloadParams:
		f.Payload = unmarshalParams(body)
	case PayloadString:
		f.Payload = unmarshalStringPayload(body)
	case PayloadCloseParams:
		f.Payload = unmarshalCloseParams(body)
	case PayloadPauseParams:
		f.Payload = unmarshalPauseParams(body)
	case PayloadResponse:
		f.Payload = unmarshalResponse(body)
	case PayloadMinors:
		f.Payload = unmarshalMinors(body)
	case PayloadListEntry:
		f.Payload = unmarshalListEntry(body)
	case PayloadBlkif:
		f.Payload = unmarshalBlkif(body)
	default:
		return Frame{}, fmt.Errorf("ctlproto: unknown payload kind %d", want)
	}
	return f, nil
}

// PayloadKind tells Unmarshal which union arm to decode, since the
// frame's Type alone (spec §6.2) is what the real protocol uses to
// imply this; PayloadKindFor maps a Type to its PayloadKind.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadPid
	PayloadImage
	PayloadParams
	PayloadString
	PayloadResponse
	PayloadMinors
	PayloadListEntry
	PayloadBlkif
	PayloadCloseParams
	PayloadPauseParams
)

// PayloadKindFor returns the payload shape a message of Type t carries.
func PayloadKindFor(t Type) PayloadKind {
	switch t {
	case TypePidRsp:
		return PayloadPid
	case TypeDiskInfoRsp:
		return PayloadImage
	case TypeOpen, TypeResume:
		return PayloadParams
	case TypeAttach, TypeStats, TypeDiskInfo, TypeStatsRsp:
		return PayloadString
	case TypeClose:
		return PayloadCloseParams
	case TypePause:
		return PayloadPauseParams
	case TypeAttachRsp, TypeOpenRsp, TypePauseRsp, TypeResumeRsp, TypeCloseRsp,
		TypeDetachRsp, TypeXenblkifConnectRsp, TypeXenblkifDisconnectRsp,
		TypeError:
		return PayloadResponse
	case TypeListMinorsRsp:
		return PayloadMinors
	case TypeList, TypeListRsp:
		return PayloadListEntry
	case TypeXenblkifConnect, TypeXenblkifDisconnect:
		return PayloadBlkif
	default:
		return PayloadNone
	}
}
