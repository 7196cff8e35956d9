// Command blktap-broker is the discovery daemon (spec §1 "broker
// process", component H): it watches the configuration store for new
// guest block devices and drives their frontend-state machine,
// connecting/disconnecting blkif rings on whichever tap worker
// (tapdiskd) serves them. Flag parsing and signal handling follow the
// same teacher-derived shape as cmd/tapdiskd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blktapd/blktapd/internal/broker"
	"github.com/blktapd/blktapd/internal/configstore"
	"github.com/blktapd/blktapd/internal/constants"
	"github.com/blktapd/blktapd/internal/logging"
	"github.com/blktapd/blktapd/internal/tapset"
)

func main() {
	var (
		storePath  = flag.String("store", "/var/run/blktap-broker/store.db", "configuration-store database file")
		controlDir = flag.String("control-dir", constants.ControlDir, "tap worker control-socket directory")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(*storePath), 0755); err != nil {
		logger.Error("failed to create configuration-store directory", "error", err)
		os.Exit(1)
	}

	store, err := configstore.Open(*storePath)
	if err != nil {
		logger.Error("failed to open configuration store", "error", err, "path", *storePath)
		os.Exit(1)
	}
	defer store.Close()

	locator := tapset.SysfsLocator{ControlDir: *controlDir, Timeout: constants.DefaultCallTimeout}
	b := broker.New(store, locator, nil, logger)

	if err := b.Start(); err != nil {
		logger.Error("failed to start broker", "error", err)
		os.Exit(1)
	}
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("broker started", "store", *storePath, "control_dir", *controlDir)
	fmt.Printf("blktap-broker running (store=%s)\n", *storePath)

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	select {
	case <-done:
	case <-time.After(constants.DefaultDrainTimeout):
		logger.Warn("broker run loop did not exit in time")
	}
}
