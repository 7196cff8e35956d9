// Package constants holds shared defaults, wire limits, and filesystem
// paths for the block-I/O data plane and broker.
package constants

import "time"

// Ring / blkif wire limits (spec §3, §4.1).
const (
	// BlkifMaxSegmentsPerRequest is the maximum number of segments a
	// single request may carry.
	BlkifMaxSegmentsPerRequest = 11

	// SectorsPerPage is the number of 512-byte sectors per 4KiB page;
	// a segment's last sector must be < this value.
	SectorsPerPage = 8

	// SectorSize is the fixed sector size in bytes.
	SectorSize = 512

	// MaxRingOrder is the largest accepted ring order (log2 of page
	// count); orders above this are rejected (spec §8 boundary case).
	MaxRingOrder = 3

	// MaxRingPages is 2^MaxRingOrder.
	MaxRingPages = 1 << MaxRingOrder
)

// Device/queue defaults.
const (
	// DefaultPoolName is the transport-context pool used when none is
	// configured (spec §3).
	DefaultPoolName = "td-xenio-default"

	// DefaultQueueDepth is the default blkif ring size in requests.
	DefaultQueueDepth = 128
)

// VBD retry/timeout policy (spec §4.3), exact values carried over from
// original_source/drivers/tapdisk-vbd.h (TD_VBD_REQUEST_TIMEOUT,
// TD_VBD_MAX_RETRIES, TD_VBD_RETRY_INTERVAL).
const (
	VBDMaxRetries     = 100
	VBDRetryInterval  = 1 * time.Second
	VBDRequestTimeout = 120 * time.Second
)

// VBD async dispatch queue (spec §5: "any potentially long operation
// uses asynchronous completion through the scheduler"). A small worker
// pool performs image-chain I/O off the single scheduler thread so a
// wedged backend (spec §8 S6) cannot freeze Tick.
const (
	VBDQueueWorkers = 4
	VBDQueueDepth   = 256
)

// Filesystem layout (spec §6.1).
const (
	SysfsDir         = "/sys/class/blktap3"
	ControlDir       = "/var/run/blktap-control"
	EnospcSignalFile = "/var/run/tapdisk3-enospc"
)

// Control-socket timing (spec §4.4).
const (
	// DefaultCallTimeout bounds a single control-socket round trip.
	DefaultCallTimeout = 5 * time.Second

	// DefaultDrainTimeout bounds close/pause/destroy drain waits before
	// the engine force-kills the queue (spec §8 S6).
	DefaultDrainTimeout = 30 * time.Second
)

// Device startup timing: the analogue of the teacher's kernel/udev
// settle delays, here covering the blkback/evtchn ring-attach handshake.
const (
	DeviceStartupDelay    = 200 * time.Millisecond
	DevicePollingInterval = 10 * time.Millisecond
)
