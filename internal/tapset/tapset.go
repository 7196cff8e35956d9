// Package tapset discovers live tap workers by the filesystem
// conventions spec §6.1 defines: one control socket "ctl<pid>" per
// worker under BLKTAP3_CONTROL_DIR. Grounded on
// original_source/control/tap-ctl-list.c's pattern of globbing the
// control directory and querying each worker over its socket rather
// than keeping a separate registry process.
package tapset

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blktapd/blktapd/internal/ctlproto"
)

// Worker is one discovered tap process.
type Worker struct {
	Pid        int32
	SocketPath string
	Minors     []int32
	Entries    []ctlproto.ListEntry
}

// List globs controlDir for "ctl<pid>" sockets and queries each one's
// PID and LIST_MINORS/LIST over its control socket (spec §6.1, §6.4
// "list" command; original_source's tap-ctl-list.c probes every
// discovered tapdisk the same way). A worker whose socket has gone
// stale (process exited without cleaning up) is skipped rather than
// failing the whole listing.
func List(controlDir string, timeout time.Duration) ([]Worker, error) {
	entries, err := os.ReadDir(controlDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tapset: read control dir %s: %w", controlDir, err)
	}

	var workers []Worker
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "ctl") {
			continue
		}
		pid, err := strconv.ParseInt(strings.TrimPrefix(name, "ctl"), 10, 32)
		if err != nil {
			continue
		}

		path := filepath.Join(controlDir, name)
		client := ctlproto.NewClient(path, timeout)

		w := Worker{Pid: int32(pid), SocketPath: path}
		if resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypePid}); err == nil {
			if p, ok := resp.Payload.(ctlproto.Pid); ok {
				w.Pid = p.TapdiskPid
			}
		} else {
			continue // stale socket: process is gone
		}
		if resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeListMinors}); err == nil {
			if m, ok := resp.Payload.(ctlproto.Minors); ok {
				w.Minors = m.List
			}
		}
		if list, err := client.StreamList(); err == nil {
			w.Entries = list
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// SysfsLocator implements broker.TapLocator by globbing the control
// directory and matching a device's numeric name against each
// worker's reported minors (spec §4.5 "locate the serving tap via the
// control protocol"). The device "name" is the guest device id, which
// this rewrite's tapdiskd convention treats as the worker's minor
// number (tap.parseMinor).
type SysfsLocator struct {
	ControlDir string
	Timeout    time.Duration
}

// Locate returns the control-socket path of the worker currently
// serving device (domid, name), or an error if none is found — the
// broker treats that as "device must wait for a worker to attach"
// (spec §4.5).
func (l SysfsLocator) Locate(domid uint32, name string) (string, error) {
	minor, err := strconv.ParseInt(name, 10, 32)
	if err != nil {
		return "", fmt.Errorf("tapset: device name %q is not a minor number: %w", name, err)
	}

	workers, err := List(l.ControlDir, l.Timeout)
	if err != nil {
		return "", err
	}
	for _, w := range workers {
		for _, m := range w.Minors {
			if m == int32(minor) {
				return w.SocketPath, nil
			}
		}
	}
	return "", fmt.Errorf("tapset: no tap worker serving minor %d (domid %d)", minor, domid)
}
