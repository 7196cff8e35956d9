// Package vbd implements the per-virtual-disk request engine: the
// lifecycle state machine (closed / running / quiesced / paused /
// shutting down), the new/pending/failed/completed request queues, the
// retry/timeout policy, and mirror/standby secondary-image failover
// (spec §4.3, component E — the 22%-budget core of this daemon).
package vbd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/blktapd/blktapd/internal/abi"
	"github.com/blktapd/blktapd/internal/blkif"
	"github.com/blktapd/blktapd/internal/constants"
	"github.com/blktapd/blktapd/internal/imagechain"
	"github.com/blktapd/blktapd/internal/logging"
	"github.com/blktapd/blktapd/internal/metrics"
)

// State is the VBD state bitset (spec §3 "VBD" data model). Several
// bits may be set at once, e.g. PauseRequested and ShutdownRequested
// while draining.
type State uint16

const (
	Dead State = 1 << iota
	Closed
	QuiesceRequested
	Quiesced
	PauseRequested
	Paused
	ShutdownRequested
	Locking
	LogDropped
)

func (s State) String() string {
	names := []struct {
		bit  State
		name string
	}{
		{Dead, "dead"}, {Closed, "closed"}, {QuiesceRequested, "quiesce_requested"},
		{Quiesced, "quiesced"}, {PauseRequested, "pause_requested"}, {Paused, "paused"},
		{ShutdownRequested, "shutdown_requested"}, {Locking, "locking"}, {LogDropped, "log_dropped"},
	}
	out := ""
	for _, n := range names {
		if s&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "running"
	}
	return out
}

// SecondaryMode selects how a VBD's secondary image participates in
// writes (spec §4.3 "Secondary image semantics").
type SecondaryMode int

const (
	SecondaryDisabled SecondaryMode = iota
	SecondaryMirror
	SecondaryStandby
)

// queuedRequest is one VBD request: the blkif.Request it wraps plus the
// retry/timeout bookkeeping the engine needs (spec §3 "VBD request").
type queuedRequest struct {
	src         *blkif.Request
	name        string
	retries     int
	lastErr     error
	submittedAt time.Time
	nextRetryAt time.Time

	// dispatchStart marks when the current dispatch attempt (which may
	// span a primary leg, a failover leg, and a mirror-extra leg) began,
	// for latency metrics; reset on each retry.
	dispatchStart time.Time

	// forceFailed marks a request ForceClose already resolved with EIO
	// while it was in flight in the async image queue; a completion
	// that later arrives for it is dropped instead of resolved twice.
	forceFailed bool
}

// dispatchStage identifies which leg of the mirror/standby dance a
// pendingDispatch's completion belongs to.
type dispatchStage int

const (
	stagePrimary dispatchStage = iota
	stageSecondary
	stageMirrorExtra
)

// pendingDispatch is the Token carried on an imagechain.Job, letting
// handleCompletion resolve the request its completion belongs to.
type pendingDispatch struct {
	qr    *queuedRequest
	stage dispatchStage
}

// VBD is the per-virtual-disk request engine.
type VBD struct {
	UUID string
	Name string

	mu            sync.Mutex
	state         State
	hasTap        bool
	running       bool
	secondaryMode SecondaryMode
	chain         *imagechain.Chain

	newQ       []*queuedRequest
	failedQ    []*queuedRequest
	completedQ []*queuedRequest
	inFlight   map[*queuedRequest]struct{} // dispatched to queue, awaiting completion
	pendingLen int                         // == len(inFlight); kept alongside it to avoid a map-len lock dance

	queue *imagechain.Queue

	logger  *logging.Logger
	metrics *metrics.Metrics

	maxRetries     int
	retryInterval  time.Duration
	requestTimeout time.Duration
}

// Config configures a new VBD engine.
type Config struct {
	UUID          string
	Name          string
	SecondaryMode SecondaryMode
	Logger        *logging.Logger
	Metrics       *metrics.Metrics

	// MaxRetries/RetryInterval/RequestTimeout default to the spec §4.3
	// constants when zero.
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// New creates a VBD engine in the CLOSED state with no tap attached.
func New(cfg Config) *VBD {
	v := &VBD{
		UUID:           cfg.UUID,
		Name:           cfg.Name,
		state:          Closed,
		secondaryMode:  cfg.SecondaryMode,
		inFlight:       make(map[*queuedRequest]struct{}),
		queue:          imagechain.NewQueue(constants.VBDQueueWorkers, constants.VBDQueueDepth),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		maxRetries:     cfg.MaxRetries,
		retryInterval:  cfg.RetryInterval,
		requestTimeout: cfg.RequestTimeout,
	}
	if v.maxRetries == 0 {
		v.maxRetries = constants.VBDMaxRetries
	}
	if v.retryInterval == 0 {
		v.retryInterval = constants.VBDRetryInterval
	}
	if v.requestTimeout == 0 {
		v.requestTimeout = constants.VBDRequestTimeout
	}
	return v
}

// State returns the current state bitset.
func (v *VBD) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// HasState reports whether every bit in mask is set.
func (v *VBD) HasState(mask State) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state&mask == mask
}

func (v *VBD) setState(bits State)   { v.state |= bits }
func (v *VBD) clearState(bits State) { v.state &^= bits }

// IsRunning reports whether the VBD currently accepts new requests.
func (v *VBD) IsRunning() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

// Attach records that a tap worker is now associated with this VBD
// (CLOSED --attach--> CLOSED+tap). It does not admit I/O.
func (v *VBD) Attach() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hasTap = true
}

// Detach releases the tap association. It is rejected while the VBD is
// running (spec: "any --detach--> CLOSED (rejects if tap busy)").
func (v *VBD) Detach() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return fmt.Errorf("vbd: detach rejected, tap busy")
	}
	v.hasTap = false
	v.setState(Closed)
	return nil
}

// Open binds chain and transitions CLOSED+tap -> RUNNING.
func (v *VBD) Open(chain *imagechain.Chain) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hasTap {
		return fmt.Errorf("vbd: open without attach")
	}
	if chain == nil {
		return fmt.Errorf("vbd: open requires an image chain")
	}
	v.chain = chain
	v.clearState(Closed | Dead)
	v.running = true
	return nil
}

// RequestPause sets PAUSE_REQUESTED; Tick transitions to PAUSED once
// the pending/new queues have drained.
func (v *VBD) RequestPause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.running {
		return fmt.Errorf("vbd: pause requires running")
	}
	v.setState(PauseRequested)
	return nil
}

// Resume transitions PAUSED -> RUNNING, optionally rebinding a new
// image chain (spec S2 "RESUME with new params.path rebinds the image
// chain").
func (v *VBD) Resume(newChain *imagechain.Chain) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state&Paused == 0 {
		return fmt.Errorf("vbd: resume requires paused")
	}
	if newChain != nil {
		v.chain = newChain
	}
	v.clearState(Paused | PauseRequested)
	v.running = true
	return nil
}

// RequestShutdown sets SHUTDOWN_REQUESTED; Tick drains to CLOSED.
func (v *VBD) RequestShutdown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setState(ShutdownRequested)
}

// ForceClose implements the force-close/timeout path: it skips drain,
// fails every outstanding request with EIO, and lands in CLOSED (spec
// §5 "Cancellation/timeouts", §8 S6).
func (v *VBD) ForceClose() {
	v.mu.Lock()
	v.setState(Dead | ShutdownRequested)
	toFail := append(v.newQ, v.failedQ...)
	for qr := range v.inFlight {
		toFail = append(toFail, qr)
	}
	v.newQ = nil
	v.failedQ = nil
	v.inFlight = make(map[*queuedRequest]struct{})
	v.pendingLen = 0
	for _, qr := range toFail {
		qr.forceFailed = true
		qr.lastErr = syscall.EIO
		v.completedQ = append(v.completedQ, qr)
	}
	v.running = false
	v.mu.Unlock()

	v.flushCompleted()

	v.mu.Lock()
	v.clearState(ShutdownRequested)
	v.setState(Closed)
	v.mu.Unlock()
}

// Shutdown stops the engine's async image queue from accepting further
// dispatches. Callers invoke this once, after Close has finished
// draining (or force-closed), as the last step of tearing a VBD down.
func (v *VBD) Shutdown() {
	v.queue.Close()
}

// Close requests shutdown and ticks until the engine reaches CLOSED or
// the deadline passes, at which point it force-closes if force is set.
// This is the synchronous counterpart to the control-socket CLOSE
// command's wall-clock deadline (spec §4.4, §8 S6).
func (v *VBD) Close(ctx context.Context, timeout time.Duration, force bool) error {
	v.RequestShutdown()
	deadline := time.Now().Add(timeout)
	const pollInterval = 5 * time.Millisecond
	for {
		v.Tick(time.Now())
		if v.HasState(Closed) {
			return nil
		}
		if time.Now().After(deadline) {
			if force {
				v.ForceClose()
				return nil
			}
			return fmt.Errorf("vbd: close timed out before drain completed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Submit implements blkif.VBDQueue: it admits req onto the new-request
// queue, or rejects it with EBUSY while draining/not running (spec
// §4.3 "Draining means: refuse new requests with -EBUSY").
func (v *VBD) Submit(req *blkif.Request) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.running || v.state&(PauseRequested|ShutdownRequested|Paused|Closed) != 0 {
		return syscall.EBUSY
	}
	v.newQ = append(v.newQ, &queuedRequest{
		src:         req,
		name:        fmt.Sprintf("vreq-%011x", req.Token)[:16],
		submittedAt: time.Now(),
	})
	return nil
}

// Tick drives one pass of the engine: drain completions posted by the
// async image queue, drain-state transitions, retry backoff promotion,
// dispatch of new requests into the image chain, and completion-
// callback emission (spec §4.3 "Per tick"). Tick never blocks on
// backend I/O — that work happens on the image queue's worker
// goroutines (spec §5, §8 S6).
func (v *VBD) Tick(now time.Time) {
	v.drainCompletions()

	v.mu.Lock()
	transitioned := false
	if (v.state&(PauseRequested|ShutdownRequested) != 0) && len(v.newQ) == 0 && v.pendingLen == 0 {
		if v.state&ShutdownRequested != 0 {
			v.clearState(ShutdownRequested)
			v.setState(Closed)
		} else {
			v.clearState(PauseRequested)
			v.setState(Paused)
		}
		v.running = false
		transitioned = true
	}

	var batch []*queuedRequest
	if !transitioned {
		var stillFailed []*queuedRequest
		for _, qr := range v.failedQ {
			if !now.Before(qr.nextRetryAt) {
				v.newQ = append(v.newQ, qr)
			} else {
				stillFailed = append(stillFailed, qr)
			}
		}
		v.failedQ = stillFailed

		batch = v.newQ
		v.newQ = nil
	}
	v.mu.Unlock()

	if len(batch) > 0 {
		if v.metrics != nil {
			v.metrics.RecordQueueDepth(len(batch))
		}
		for _, qr := range batch {
			v.processOne(qr, now)
		}
	}

	v.flushCompleted()
}

// drainCompletions collects every result the image queue's workers have
// posted since the last tick and resolves the request each belongs to.
func (v *VBD) drainCompletions() {
	for _, c := range v.queue.Drain() {
		pd, ok := c.Token.(*pendingDispatch)
		if !ok {
			continue
		}
		v.handleCompletion(pd, c.Err)
	}
}

// processOne applies the timeout deadline, then submits the request to
// the image chain's primary (or, if it's already retired, secondary)
// image via the async queue. The retry/failover policy is applied in
// handleCompletion once the queue reports a result.
func (v *VBD) processOne(qr *queuedRequest, now time.Time) {
	v.mu.Lock()
	timeout := v.requestTimeout
	chain := v.chain
	v.mu.Unlock()

	if now.Sub(qr.submittedAt) > timeout {
		qr.lastErr = syscall.ETIMEDOUT
		if v.metrics != nil {
			v.metrics.RecordTimeout()
		}
		v.mu.Lock()
		v.completedQ = append(v.completedQ, qr)
		v.mu.Unlock()
		return
	}

	if chain == nil {
		qr.lastErr = fmt.Errorf("vbd: dispatch with no image chain bound")
		v.mu.Lock()
		v.completedQ = append(v.completedQ, qr)
		v.mu.Unlock()
		return
	}

	if qr.dispatchStart.IsZero() {
		qr.dispatchStart = time.Now()
	}

	if chain.Retired != nil {
		v.submitStage(qr, chain.Secondary, stageSecondary)
		return
	}
	v.submitStage(qr, chain.Primary(), stagePrimary)
}

// submitStage hands one leg of a request's dispatch to the async image
// queue. A saturated queue is treated as transient backpressure, not an
// I/O error: the request goes back onto newQ (primary/secondary legs)
// or resolves as a best-effort drop (the mirror-extra leg, whose
// primary write already succeeded).
func (v *VBD) submitStage(qr *queuedRequest, img imagechain.Image, stage dispatchStage) {
	job := imagechain.Job{
		Img:    img,
		Op:     qr.src.Op,
		Iovec:  qr.src.Iovec,
		Offset: int64(qr.src.Offset),
		Token:  &pendingDispatch{qr: qr, stage: stage},
	}
	if err := v.queue.Submit(job); err != nil {
		if stage == stageMirrorExtra {
			if v.logger != nil {
				v.logger.Warn("vbd: mirror write to secondary dropped, queue saturated", "name", qr.name)
			}
			v.resolve(qr, nil)
			return
		}
		v.mu.Lock()
		v.newQ = append(v.newQ, qr)
		v.mu.Unlock()
		return
	}

	v.mu.Lock()
	v.inFlight[qr] = struct{}{}
	v.pendingLen++
	v.mu.Unlock()
}

// handleCompletion applies mirror/standby secondary semantics and
// ENOSPC failover (spec §4.3 "Secondary image semantics") to one leg's
// result, either resolving the request or chaining the next leg.
func (v *VBD) handleCompletion(pd *pendingDispatch, err error) {
	qr := pd.qr

	v.mu.Lock()
	if qr.forceFailed {
		v.mu.Unlock()
		return
	}
	delete(v.inFlight, qr)
	v.pendingLen--
	chain := v.chain
	mode := v.secondaryMode
	v.mu.Unlock()

	switch pd.stage {
	case stageMirrorExtra:
		if err != nil && v.logger != nil {
			v.logger.Warn("vbd: mirror write to secondary failed", "name", qr.name, "err", err)
		}
		v.resolve(qr, nil)

	case stageSecondary:
		v.resolve(qr, err)

	case stagePrimary:
		if err == nil {
			if mode == SecondaryMirror && qr.src.Op == abi.OpWrite && chain != nil && chain.Secondary != nil {
				v.submitStage(qr, chain.Secondary, stageMirrorExtra)
				return
			}
			v.resolve(qr, nil)
			return
		}

		failover := chain != nil && errors.Is(err, syscall.ENOSPC) &&
			((mode == SecondaryMirror && qr.src.Op == abi.OpWrite) || mode == SecondaryStandby)
		if failover {
			v.retirePrimary(chain)
			if v.metrics != nil {
				v.metrics.RecordEnospc()
				v.metrics.RecordFailover()
			}
			touchEnospcSignal(v.logger)
			v.submitStage(qr, chain.Secondary, stageSecondary)
			return
		}

		v.resolve(qr, err)
	}
}

// resolve applies the retry/timeout policy to a request's final (or
// retryable) result and routes it onto the completed or failed queue.
func (v *VBD) resolve(qr *queuedRequest, err error) {
	v.mu.Lock()
	maxRetries := v.maxRetries
	retryInterval := v.retryInterval
	v.mu.Unlock()

	if err == nil {
		if v.metrics != nil {
			size := 0
			for _, span := range qr.src.Iovec {
				size += len(span)
			}
			latency := time.Since(qr.dispatchStart)
			switch qr.src.Op {
			case abi.OpRead:
				v.metrics.RecordRead(size, latency)
			case abi.OpWrite:
				v.metrics.RecordWrite(size, latency)
			}
		}
		v.mu.Lock()
		v.completedQ = append(v.completedQ, qr)
		v.mu.Unlock()
		return
	}

	if isRetryable(err) {
		qr.retries++
		if qr.retries >= maxRetries {
			qr.lastErr = err
			v.mu.Lock()
			v.completedQ = append(v.completedQ, qr)
			v.mu.Unlock()
			if v.metrics != nil {
				v.metrics.RecordError()
			}
			return
		}
		qr.nextRetryAt = time.Now().Add(retryInterval)
		qr.dispatchStart = time.Time{}
		if v.metrics != nil {
			v.metrics.RecordRetry()
		}
		v.mu.Lock()
		v.failedQ = append(v.failedQ, qr)
		v.mu.Unlock()
		return
	}

	qr.lastErr = err
	v.mu.Lock()
	v.completedQ = append(v.completedQ, qr)
	v.mu.Unlock()
}

func isRetryable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOMEM)
}

// retirePrimary moves the active primary leaf out of the chain into the
// Retired slot, where it is kept alive until VBD close (spec §4.3,
// "retired images are released only on VBD close").
func (v *VBD) retirePrimary(chain *imagechain.Chain) {
	if len(chain.Leaves) == 0 {
		return
	}
	chain.Retired = chain.Leaves[0]
	chain.Leaves = chain.Leaves[1:]
}

// touchEnospcSignal updates the mtime of the enospc signal file so
// anything watching it (e.g. a udev rule or xenstore watcher outside
// this process) observes the failover (spec §7 "(ENOSPC): ... touches
// the enospc signal file"). Failure to touch it is logged, not fatal —
// the retire/failover decision has already been made.
func touchEnospcSignal(logger *logging.Logger) {
	f, err := os.OpenFile(constants.EnospcSignalFile, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if logger != nil {
			logger.Warn("vbd: failed to touch enospc signal file", "path", constants.EnospcSignalFile, "err", err)
		}
		return
	}
	f.Close()
	now := time.Now()
	if err := os.Chtimes(constants.EnospcSignalFile, now, now); err != nil && logger != nil {
		logger.Warn("vbd: failed to update enospc signal file mtime", "path", constants.EnospcSignalFile, "err", err)
	}
}

// flushCompleted walks the completed queue, grouping by originating
// blkif so "final" lands on the last completion of each ring's batch
// (spec §4.3 step 4), and invokes each request's completion callback
// exactly once.
func (v *VBD) flushCompleted() {
	v.mu.Lock()
	items := v.completedQ
	v.completedQ = nil
	v.mu.Unlock()

	if len(items) == 0 {
		return
	}

	order := make([]uintptr, 0, len(items))
	groups := make(map[uintptr][]*queuedRequest, len(items))
	for _, qr := range items {
		key := qr.src.BlkifKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], qr)
	}

	for _, key := range order {
		group := groups[key]
		for i, qr := range group {
			final := i == len(group)-1
			qr.src.Complete(qr.lastErr, final)
		}
	}
}

// QueueDepths reports the current queue lengths, used by the STATS
// control-socket handler and tests.
type QueueDepths struct {
	New, Failed, Completed int
}

func (v *VBD) QueueDepths() QueueDepths {
	v.mu.Lock()
	defer v.mu.Unlock()
	return QueueDepths{New: len(v.newQ), Failed: len(v.failedQ), Completed: len(v.completedQ)}
}
