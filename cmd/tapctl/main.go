// Command tapctl is the control-socket CLI client (spec §6.4): it
// drives one tap worker's lifecycle (spawn/attach/open/pause/resume/
// close/detach) and queries it (list/stats/disk-info) over the UNIX
// control socket implemented by internal/ctlproto. Subcommand shape
// (one command struct per verb, Execute([]string) error) is grounded
// on canonical-snapd's cmd/snap go-flags idiom; per-command flag sets
// and the "exit code is abs(errno)" convention come from
// original_source/control/tap-ctl.c and its per-command tap-ctl-*.c
// files.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/blktapd/blktapd/internal/constants"
	"github.com/blktapd/blktapd/internal/ctlproto"
	"github.com/blktapd/blktapd/internal/tapset"
)

// sharedOpts are the flags every pid/minor-addressed subcommand takes.
type sharedOpts struct {
	Pid        int32  `short:"p" long:"pid" description:"tapdisk worker pid"`
	Minor      int32  `short:"m" long:"minor" description:"device minor"`
	ControlDir string `long:"control-dir" default:"" description:"override control-socket directory"`
}

func (s sharedOpts) controlDir() string {
	if s.ControlDir != "" {
		return s.ControlDir
	}
	return constants.ControlDir
}

func (s sharedOpts) socketPath() (string, error) {
	if s.Pid != 0 {
		return ctlproto.SocketPath(s.controlDir(), int(s.Pid)), nil
	}
	if s.Minor != 0 {
		workers, err := tapset.List(s.controlDir(), constants.DefaultCallTimeout)
		if err != nil {
			return "", err
		}
		for _, w := range workers {
			for _, m := range w.Minors {
				if m == s.Minor {
					return w.SocketPath, nil
				}
			}
		}
		return "", fmt.Errorf("no tap worker serving minor %d", s.Minor)
	}
	return "", fmt.Errorf("-p/--pid or -m/--minor is required")
}

func (s sharedOpts) client() (*ctlproto.Client, error) {
	path, err := s.socketPath()
	if err != nil {
		return nil, err
	}
	return ctlproto.NewClient(path, constants.DefaultCallTimeout), nil
}

// --- list ---

type listCmd struct {
	sharedOpts
	Type string `short:"t" long:"type" description:"filter by image type (unused placeholder, kept for wire compatibility)"`
	File string `short:"f" long:"file" description:"filter by backing file substring"`
}

func (c *listCmd) Execute(args []string) error {
	workers, err := tapset.List(c.controlDir(), constants.DefaultCallTimeout)
	if err != nil {
		return exitErr(err)
	}
	tty := isTTY(os.Stdout)
	for _, w := range workers {
		if c.Pid != 0 && w.Pid != c.Pid {
			continue
		}
		for _, e := range w.Entries {
			if c.Minor != 0 && e.Minor != c.Minor {
				continue
			}
			if c.File != "" && !strings.Contains(e.Path, c.File) {
				continue
			}
			printListEntry(tty, w.Pid, e)
		}
	}
	return nil
}

func printListEntry(tty bool, pid int32, e ctlproto.ListEntry) {
	if tty {
		fmt.Printf("%-8d %-6d %-20s %s\n", pid, e.Minor, stateName(e.State), e.Path)
		return
	}
	fmt.Printf("pid=%d minor=%d state=%d path=%s\n", pid, e.Minor, e.State, e.Path)
}

func stateName(state int32) string {
	return fmt.Sprintf("0x%x", uint32(state))
}

// --- spawn ---

type spawnCmd struct {
	ControlDir string `long:"control-dir" default:"" description:"override control-socket directory"`
	Name       string `short:"n" long:"name" description:"VBD name / minor (defaults to a fresh minor)"`
}

func (c *spawnCmd) Execute(args []string) error {
	name := c.Name
	if name == "" {
		name = strconv.FormatInt(time.Now().UnixNano()%100000, 10)
	}
	binPath, err := exec.LookPath("tapdiskd")
	if err != nil {
		return exitErr(fmt.Errorf("spawn: tapdiskd not found on PATH: %w", err))
	}
	cmdArgs := []string{"-name", name}
	if c.ControlDir != "" {
		cmdArgs = append(cmdArgs, "-control-dir", c.ControlDir)
	}
	cmd := exec.Command(binPath, cmdArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return exitErr(fmt.Errorf("spawn: %w", err))
	}
	fmt.Printf("pid=%d\n", cmd.Process.Pid)
	return nil
}

// --- attach ---

type attachCmd struct {
	sharedOpts
}

func (c *attachCmd) Execute(args []string) error {
	client, err := c.client()
	if err != nil {
		return exitErr(err)
	}
	name := strconv.FormatInt(int64(c.Minor), 10)
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeAttach, Payload: ctlproto.StringPayload{Text: name}})
	return finishResponse(resp, err)
}

// --- detach ---

type detachCmd struct {
	sharedOpts
}

func (c *detachCmd) Execute(args []string) error {
	client, err := c.client()
	if err != nil {
		return exitErr(err)
	}
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeDetach})
	return finishResponse(resp, err)
}

// --- open ---

type openCmd struct {
	sharedOpts
	Params    string `short:"a" long:"params" required:"true" description:"image spec, type:path (e.g. mem:67108864)"`
	Readonly  bool   `short:"R" long:"readonly"`
	Shared    bool   `short:"r" long:"shared"`
	Secondary string `short:"2" long:"secondary" description:"secondary image spec"`
	Standby   bool   `short:"s" long:"standby"`
}

func (c *openCmd) flags() ctlproto.Flags {
	var f ctlproto.Flags
	if c.Readonly {
		f |= ctlproto.FlagRdonly
	}
	if c.Shared {
		f |= ctlproto.FlagShared
	}
	if c.Secondary != "" {
		if c.Standby {
			f |= ctlproto.FlagStandby
		} else {
			f |= ctlproto.FlagSecondary
		}
	}
	return f
}

func (c *openCmd) Execute(args []string) error {
	client, err := c.client()
	if err != nil {
		return exitErr(err)
	}
	p := ctlproto.Params{
		Flags:     c.flags(),
		Domid:     0,
		Path:      c.Params,
		Secondary: c.Secondary,
	}
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeOpen, Payload: p})
	return finishResponse(resp, err)
}

// --- close ---

type closeCmd struct {
	sharedOpts
	Force   bool `short:"f" long:"force"`
	Timeout int  `short:"t" long:"timeout" default:"0" description:"drain timeout in seconds"`
}

func (c *closeCmd) Execute(args []string) error {
	client, err := c.client()
	if err != nil {
		return exitErr(err)
	}
	var force uint32
	if c.Force {
		force = 1
	}
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeClose, Payload: ctlproto.CloseParams{
		TimeoutMs: uint32(c.Timeout) * 1000,
		Force:     force,
	}})
	return finishResponse(resp, err)
}

// --- destroy ---

type destroyCmd struct {
	sharedOpts
	Timeout int `short:"t" long:"timeout" default:"0" description:"drain timeout in seconds"`
}

func (c *destroyCmd) Execute(args []string) error {
	client, err := c.client()
	if err != nil {
		return exitErr(err)
	}
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeClose, Payload: ctlproto.CloseParams{
		TimeoutMs: uint32(c.Timeout) * 1000,
		Force:     1,
	}})
	if err := finishResponse(resp, err); err != nil {
		return err
	}
	resp, err = client.Call(ctlproto.Frame{Type: ctlproto.TypeDetach})
	if err := finishResponse(resp, err); err != nil {
		return err
	}
	resp, err = client.Call(ctlproto.Frame{Type: ctlproto.TypeExit})
	_ = resp
	_ = err // EXIT has no response type (spec §6.2); errors here are best-effort
	return nil
}

// --- pause ---

type pauseCmd struct {
	sharedOpts
	Timeout int `short:"t" long:"timeout" default:"0" description:"drain timeout in seconds"`
}

func (c *pauseCmd) Execute(args []string) error {
	client, err := c.client()
	if err != nil {
		return exitErr(err)
	}
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypePause, Payload: ctlproto.PauseParams{
		TimeoutMs: uint32(c.Timeout) * 1000,
	}})
	return finishResponse(resp, err)
}

// --- unpause (resume) ---

type unpauseCmd struct {
	sharedOpts
	Params string `short:"a" long:"params" description:"new image spec to rebind on resume (optional)"`
}

func (c *unpauseCmd) Execute(args []string) error {
	client, err := c.client()
	if err != nil {
		return exitErr(err)
	}
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeResume, Payload: ctlproto.Params{Path: c.Params}})
	return finishResponse(resp, err)
}

// --- stats ---

type statsCmd struct {
	sharedOpts
}

func (c *statsCmd) Execute(args []string) error {
	client, err := c.client()
	if err != nil {
		return exitErr(err)
	}
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeStats})
	if err != nil {
		return exitErr(err)
	}
	if r, ok := resp.Payload.(ctlproto.Response); ok {
		return exitErr(fmt.Errorf("%s", r.Message))
	}
	if s, ok := resp.Payload.(ctlproto.StringPayload); ok {
		fmt.Println(s.Text)
	}
	return nil
}

// --- disk-info ---

type diskInfoCmd struct {
	sharedOpts
}

func (c *diskInfoCmd) Execute(args []string) error {
	client, err := c.client()
	if err != nil {
		return exitErr(err)
	}
	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeDiskInfo})
	if err != nil {
		return exitErr(err)
	}
	if r, ok := resp.Payload.(ctlproto.Response); ok {
		return exitErr(fmt.Errorf("%s", r.Message))
	}
	img, ok := resp.Payload.(ctlproto.Image)
	if !ok {
		return exitErr(fmt.Errorf("disk-info: unexpected response"))
	}
	if isTTY(os.Stdout) {
		fmt.Printf("sectors    %d\nsector-size %d\ninfo       0x%x\n", img.Sectors, img.SectorSize, img.Info)
	} else {
		fmt.Printf("sectors=%d sector_size=%d info=%d\n", img.Sectors, img.SectorSize, img.Info)
	}
	return nil
}

// --- shared helpers ---

// finishResponse prints a Response payload's error (if any) and
// returns an error wrapping the normalized negative errno, so main's
// exit-code mapping (spec §6.4: "Exit codes are the positive
// absolute-value of the negative errno") has something to unwrap.
func finishResponse(resp ctlproto.Frame, err error) error {
	if err != nil {
		return exitErr(err)
	}
	if r, ok := resp.Payload.(ctlproto.Response); ok && r.Error != 0 {
		return &errnoError{errno: int(-r.Error), msg: r.Message}
	}
	return nil
}

// errnoError carries the positive errno magnitude for main's exit code.
type errnoError struct {
	errno int
	msg   string
}

func (e *errnoError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return syscall.Errno(e.errno).Error()
}

func exitErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errnoError); ok {
		return err
	}
	return &errnoError{errno: int(syscall.EIO), msg: err.Error()}
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func main() {
	var parser = flags.NewNamedParser("tapctl", flags.Default)
	parser.AddCommand("list", "List known devices", "List devices across all running tap workers.", &listCmd{})
	parser.AddCommand("create", "Spawn and fully open a new VBD", "Spawn a tap worker and open an image on it in one step.", &createCmd{})
	parser.AddCommand("destroy", "Tear down a VBD and send EXIT to its worker", "Force-close and detach a tap worker's VBD, then send EXIT. The worker answers EXIT with an error frame and closes the connection; the worker process keeps running.", &destroyCmd{})
	parser.AddCommand("spawn", "Spawn a bare tap worker", "Start a tapdiskd process without attaching or opening it.", &spawnCmd{})
	parser.AddCommand("attach", "Attach a worker to a VBD", "Associate a running worker with a VBD name/minor.", &attachCmd{})
	parser.AddCommand("detach", "Detach a worker from its VBD", "Release a worker's VBD association.", &detachCmd{})
	parser.AddCommand("open", "Open an image chain on a worker", "Bind an image chain and start serving I/O.", &openCmd{})
	parser.AddCommand("close", "Close a worker's VBD", "Drain and close a worker's VBD.", &closeCmd{})
	parser.AddCommand("pause", "Pause a worker's VBD", "Drain in-flight requests and pause.", &pauseCmd{})
	parser.AddCommand("unpause", "Resume a paused VBD", "Resume a paused VBD, optionally rebinding its image.", &unpauseCmd{})
	parser.AddCommand("stats", "Print a worker's stats", "Print queue depths and I/O counters.", &statsCmd{})
	parser.AddCommand("disk-info", "Print a worker's disk geometry", "Print sector count/size and info bits.", &diskInfoCmd{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		if ee, ok := err.(*errnoError); ok {
			fmt.Fprintln(os.Stderr, "tapctl:", ee.Error())
			os.Exit(ee.errno)
		}
		fmt.Fprintln(os.Stderr, "tapctl:", err)
		os.Exit(int(syscall.EINVAL))
	}
}

// --- create (spawn + attach + open in one step) ---

type createCmd struct {
	openCmd
	AssignMinor int32 `short:"e" long:"minor" description:"device minor to assign (defaults to a fresh one)"`
}

func (c *createCmd) Execute(args []string) error {
	minor := c.AssignMinor
	if minor == 0 {
		minor = int32(time.Now().UnixNano() % 100000)
	}
	binPath, err := exec.LookPath("tapdiskd")
	if err != nil {
		return exitErr(fmt.Errorf("create: tapdiskd not found on PATH: %w", err))
	}
	name := strconv.FormatInt(int64(minor), 10)
	cmdArgs := []string{"-name", name}
	if c.ControlDir != "" {
		cmdArgs = append(cmdArgs, "-control-dir", c.ControlDir)
	}
	spawned := exec.Command(binPath, cmdArgs...)
	spawned.Stdout = os.Stdout
	spawned.Stderr = os.Stderr
	if err := spawned.Start(); err != nil {
		return exitErr(fmt.Errorf("create: spawn: %w", err))
	}

	c.sharedOpts.Pid = int32(spawned.Process.Pid)
	deadline := time.Now().Add(constants.DeviceStartupDelay * 25)
	var client *ctlproto.Client
	for {
		client, err = c.sharedOpts.client()
		if err == nil {
			if _, perr := client.Call(ctlproto.Frame{Type: ctlproto.TypePid}); perr == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			return exitErr(fmt.Errorf("create: worker did not become ready in time"))
		}
		time.Sleep(constants.DeviceStartupDelay)
	}

	resp, err := client.Call(ctlproto.Frame{Type: ctlproto.TypeAttach, Payload: ctlproto.StringPayload{Text: name}})
	if err := finishResponse(resp, err); err != nil {
		return err
	}

	p := ctlproto.Params{Flags: c.openCmd.flags(), Path: c.Params, Secondary: c.Secondary}
	resp, err = client.Call(ctlproto.Frame{Type: ctlproto.TypeOpen, Payload: p})
	if err := finishResponse(resp, err); err != nil {
		return err
	}
	fmt.Printf("pid=%d minor=%d\n", c.sharedOpts.Pid, minor)
	return nil
}
