// Package metrics holds the atomic counters and latency histogram
// shared across a tap worker's ring, VBD, and broker-facing control
// surface.
package metrics

import (
	"sync/atomic"
	"time"
)

// latencyBuckets are upper bounds in nanoseconds, mirroring the
// teacher's 1us-10s histogram spread.
var latencyBuckets = [8]int64{
	int64(time.Microsecond),
	int64(10 * time.Microsecond),
	int64(100 * time.Microsecond),
	int64(time.Millisecond),
	int64(10 * time.Millisecond),
	int64(100 * time.Millisecond),
	int64(time.Second),
	int64(10 * time.Second),
}

// Metrics is a lock-free counter bag. All fields are accessed via
// sync/atomic so the single scheduler thread and any reporting reader
// (e.g. the control-socket STATS handler) never contend on a mutex.
type Metrics struct {
	ReadOps    int64
	WriteOps   int64
	DiscardOps int64
	FlushOps   int64

	ReadBytes  int64
	WriteBytes int64

	Errors        int64
	Retries       int64
	Timeouts      int64
	EnospcEvents  int64
	Failovers     int64

	QueueDepthTotal int64
	QueueDepthCount int64
	MaxQueueDepth   int64

	TotalLatencyNs int64
	OpCount        int64
	LatencyHist    [8]int64

	StartTime int64
	StopTime  int64
}

// New returns a Metrics with StartTime set to now.
func New(now time.Time) *Metrics {
	return &Metrics{StartTime: now.UnixNano()}
}

func (m *Metrics) RecordRead(bytes int, latency time.Duration) {
	atomic.AddInt64(&m.ReadOps, 1)
	atomic.AddInt64(&m.ReadBytes, int64(bytes))
	m.recordLatency(latency)
}

func (m *Metrics) RecordWrite(bytes int, latency time.Duration) {
	atomic.AddInt64(&m.WriteOps, 1)
	atomic.AddInt64(&m.WriteBytes, int64(bytes))
	m.recordLatency(latency)
}

func (m *Metrics) RecordDiscard(latency time.Duration) {
	atomic.AddInt64(&m.DiscardOps, 1)
	m.recordLatency(latency)
}

func (m *Metrics) RecordFlush(latency time.Duration) {
	atomic.AddInt64(&m.FlushOps, 1)
	m.recordLatency(latency)
}

func (m *Metrics) RecordError()    { atomic.AddInt64(&m.Errors, 1) }
func (m *Metrics) RecordRetry()    { atomic.AddInt64(&m.Retries, 1) }
func (m *Metrics) RecordTimeout()  { atomic.AddInt64(&m.Timeouts, 1) }
func (m *Metrics) RecordEnospc()   { atomic.AddInt64(&m.EnospcEvents, 1) }
func (m *Metrics) RecordFailover() { atomic.AddInt64(&m.Failovers, 1) }

// RecordQueueDepth folds one sample into the running average and max.
func (m *Metrics) RecordQueueDepth(depth int) {
	atomic.AddInt64(&m.QueueDepthTotal, int64(depth))
	atomic.AddInt64(&m.QueueDepthCount, 1)
	for {
		cur := atomic.LoadInt64(&m.MaxQueueDepth)
		if int64(depth) <= cur {
			break
		}
		if atomic.CompareAndSwapInt64(&m.MaxQueueDepth, cur, int64(depth)) {
			break
		}
	}
}

func (m *Metrics) recordLatency(d time.Duration) {
	ns := d.Nanoseconds()
	atomic.AddInt64(&m.TotalLatencyNs, ns)
	atomic.AddInt64(&m.OpCount, 1)
	for i, bound := range latencyBuckets {
		if ns <= bound {
			atomic.AddInt64(&m.LatencyHist[i], 1)
			return
		}
	}
	atomic.AddInt64(&m.LatencyHist[len(latencyBuckets)-1], 1)
}

// Stop records the stop time; used when a VBD or blkif is torn down.
func (m *Metrics) Stop(now time.Time) {
	atomic.StoreInt64(&m.StopTime, now.UnixNano())
}

// Snapshot is a point-in-time, non-atomic copy suitable for the STATS
// control-socket response and for tests.
type Snapshot struct {
	ReadOps, WriteOps, DiscardOps, FlushOps int64
	ReadBytes, WriteBytes                   int64
	Errors, Retries, Timeouts               int64
	EnospcEvents, Failovers                 int64
	AvgQueueDepth                           float64
	MaxQueueDepth                           int64
	AvgLatencyNs                            float64
	LatencyHist                             [8]int64
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		ReadOps:      atomic.LoadInt64(&m.ReadOps),
		WriteOps:     atomic.LoadInt64(&m.WriteOps),
		DiscardOps:   atomic.LoadInt64(&m.DiscardOps),
		FlushOps:     atomic.LoadInt64(&m.FlushOps),
		ReadBytes:    atomic.LoadInt64(&m.ReadBytes),
		WriteBytes:   atomic.LoadInt64(&m.WriteBytes),
		Errors:       atomic.LoadInt64(&m.Errors),
		Retries:      atomic.LoadInt64(&m.Retries),
		Timeouts:     atomic.LoadInt64(&m.Timeouts),
		EnospcEvents: atomic.LoadInt64(&m.EnospcEvents),
		Failovers:    atomic.LoadInt64(&m.Failovers),
		MaxQueueDepth: atomic.LoadInt64(&m.MaxQueueDepth),
	}
	if count := atomic.LoadInt64(&m.QueueDepthCount); count > 0 {
		s.AvgQueueDepth = float64(atomic.LoadInt64(&m.QueueDepthTotal)) / float64(count)
	}
	if count := atomic.LoadInt64(&m.OpCount); count > 0 {
		s.AvgLatencyNs = float64(atomic.LoadInt64(&m.TotalLatencyNs)) / float64(count)
	}
	for i := range m.LatencyHist {
		s.LatencyHist[i] = atomic.LoadInt64(&m.LatencyHist[i])
	}
	return s
}
