// Command tapdiskd is one tap-worker process (spec §1 "tap worker"):
// it serves a single VBD over a control socket, ready for a broker (or
// tapctl) to ATTACH/OPEN it and a guest frontend's blkif ring to
// CONNECT. Flag parsing, signal handling, and the SIGUSR1 stack-dump
// hook are carried over from the teacher's cmd/ublk-mem/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/blktapd/blktapd"
	"github.com/blktapd/blktapd/internal/constants"
	"github.com/blktapd/blktapd/internal/logging"
	"github.com/blktapd/blktapd/internal/vbd"
)

func main() {
	var (
		name          = flag.String("name", "", "VBD/device name, conventionally the guest device minor (required)")
		uuid          = flag.String("uuid", "", "VBD UUID")
		secondaryMode = flag.String("secondary-mode", "disabled", "secondary image mode: disabled|mirror|standby")
		controlDir    = flag.String("control-dir", constants.ControlDir, "directory the control socket is created under")
		verbose       = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "tapdiskd: -name is required")
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	secMode, err := parseSecondaryMode(*secondaryMode)
	if err != nil {
		logger.Error("invalid -secondary-mode", "error", err)
		os.Exit(1)
	}

	params := blktapd.DefaultTapParams(*name)
	params.UUID = *uuid
	params.SecondaryMode = secMode
	params.ControlDir = *controlDir

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	options := &blktapd.Options{Logger: logger}
	tap, err := blktapd.CreateAndServe(ctx, params, options)
	if err != nil {
		logger.Error("failed to start tap worker", "error", err)
		os.Exit(1)
	}

	logger.Info("tap worker started", "name", *name, "pid", os.Getpid(), "socket", tap.SocketPath())
	fmt.Printf("pid=%d socket=%s\n", os.Getpid(), tap.SocketPath())

	installStackDumpHandler(logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	done := make(chan struct{})
	go func() {
		if err := blktapd.StopAndDelete(context.Background(), tap); err != nil {
			logger.Error("error stopping tap worker", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(constants.DefaultDrainTimeout):
		logger.Warn("shutdown timed out, exiting anyway")
	}
}

func parseSecondaryMode(s string) (vbd.SecondaryMode, error) {
	switch s {
	case "disabled", "":
		return vbd.SecondaryDisabled, nil
	case "mirror":
		return vbd.SecondaryMirror, nil
	case "standby":
		return vbd.SecondaryStandby, nil
	default:
		return 0, fmt.Errorf("unknown secondary mode %q", s)
	}
}

// installStackDumpHandler wires SIGUSR1 to a full goroutine stack
// dump, carried over from the teacher's cmd/ublk-mem/main.go debugging
// aid.
func installStackDumpHandler(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
			logger.Info("stack dump written to stderr")
		}
	}()
}
