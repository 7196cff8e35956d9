package ctlproto

import (
	"fmt"
	"net"
	"time"
)

// Client performs one-shot connect-write-read-close round trips against
// a worker's control socket (spec §4.4, grounded on
// original_source/control/tap-ctl.c's client lifecycle).
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a Client bound to a worker's control socket path.
// timeout bounds every Call; zero selects the package default.
func NewClient(path string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{path: path, timeout: timeout}
}

// Call opens a fresh connection, writes req, reads one response frame,
// and closes. Per SPEC_FULL §6(i) (spec §9(i)'s open question), the
// transport error is checked before the response type is ever
// inspected: a partial read never gets as far as a type-mismatch check.
func (c *Client) Call(req Frame) (Frame, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return Frame{}, fmt.Errorf("ctlproto: dial %s: %w", c.path, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return Frame{}, fmt.Errorf("ctlproto: set deadline: %w", err)
	}

	out, err := Marshal(req)
	if err != nil {
		return Frame{}, err
	}
	if _, err := conn.Write(out); err != nil {
		return Frame{}, fmt.Errorf("ctlproto: write: %w", err)
	}

	buf := make([]byte, FrameSize)
	if _, err := readFull(conn, buf); err != nil {
		return Frame{}, fmt.Errorf("ctlproto: read: %w", err)
	}

	gotType := Type(uint16(buf[0]) | uint16(buf[1])<<8)
	wantType, hasRsp := req.Type.ResponseType()
	if hasRsp && gotType != wantType && gotType != TypeError {
		return Frame{}, fmt.Errorf("ctlproto: response type mismatch: got %s, want %s (%w)", gotType, wantType, errTypeMismatch)
	}

	resp, err := Unmarshal(buf, PayloadKindFor(gotType))
	if err != nil {
		return Frame{}, err
	}
	return resp, nil
}

// errTypeMismatch is the sentinel for Call's EINVAL-on-type-mismatch
// behavior (spec §4.4: "Type mismatch is an immediate client-side
// EINVAL").
var errTypeMismatch = fmt.Errorf("ctlproto: EINVAL")

// StreamList issues a LIST request and keeps reading LIST_RSP frames on
// the same connection until one arrives with Count==0 (spec §6.2:
// "LIST_RSP (streamed: final frame has count=0)").
func (c *Client) StreamList() ([]ListEntry, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("ctlproto: dial %s: %w", c.path, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}

	out, err := Marshal(Frame{Type: TypeList})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(out); err != nil {
		return nil, fmt.Errorf("ctlproto: write: %w", err)
	}

	var entries []ListEntry
	buf := make([]byte, FrameSize)
	for {
		if _, err := readFull(conn, buf); err != nil {
			return nil, fmt.Errorf("ctlproto: read: %w", err)
		}
		frame, err := Unmarshal(buf, PayloadListEntry)
		if err != nil {
			return nil, err
		}
		entry := frame.Payload.(ListEntry)
		if entry.Count == 0 {
			return entries, nil
		}
		entries = append(entries, entry)
	}
}
