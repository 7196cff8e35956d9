// Package scheduler implements the single-threaded cooperative event
// loop the tap worker runs on (the broker does not use it): register fd-readable,
// fd-writable, and timer callbacks, then run one tick at a time (spec
// §4.6, component I). It is the idiomatic-Go analogue of the teacher's
// queue.Runner.ioLoop — a single goroutine alternating between a
// blocking multiplexed wait and firing ready callbacks — generalized
// from "wait on one io_uring fd" to "epoll-wait on N registered fds
// plus a timer heap".
package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blktapd/blktapd/internal/logging"
)

// Kind selects what an event reacts to.
type Kind int

const (
	PollReadFD Kind = iota
	PollWriteFD
	Timeout
)

// Callback is invoked when an event fires. It must not block; any
// potentially long operation chains through additional Register calls
// instead (spec §4.6, §5 "Suspension points").
type Callback func(ctx any)

// ID identifies a registered event for Unregister.
type ID uint64

type event struct {
	id      ID
	kind    Kind
	fd      int
	cb      Callback
	cbCtx   any
	deadline time.Time // TIMEOUT only
	index   int        // heap index, TIMEOUT only
	active  bool
}

// timerHeap is a container/heap of *event ordered by deadline.
type timerHeap []*event

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*event); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is one single-threaded cooperative event loop instance.
// Register/Unregister may be called from the loop goroutine (from
// within a callback) or from another goroutine; both paths funnel
// through a pending-ops channel so the epoll fd set is only ever
// mutated by the loop goroutine itself.
type Scheduler struct {
	epfd   int
	logger *logging.Logger

	mu       sync.Mutex
	nextID   ID
	byFD     map[int]map[Kind]*event
	timers   timerHeap
	wakeR    int
	wakeW    int
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	pending chan func()
}

// New creates a Scheduler with its own epoll instance and an
// internally-owned pipe used to interrupt a blocked EpollWait when a
// new event is registered from outside the loop goroutine.
func New(logger *logging.Logger) (*Scheduler, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("scheduler: epoll_create1: %w", err)
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("scheduler: pipe2: %w", err)
	}
	s := &Scheduler{
		epfd:    epfd,
		logger:  logger,
		byFD:    make(map[int]map[Kind]*event),
		wakeR:   fds[0],
		wakeW:   fds[1],
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		pending: make(chan func(), 64),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(s.wakeR)}); err != nil {
		unix.Close(epfd)
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("scheduler: add wake fd: %w", err)
	}
	return s, nil
}

// Register adds an event and returns its ID. For PollReadFD/
// PollWriteFD, fd is the descriptor to watch. For Timeout, timeoutMs
// is the delay from now; fd is ignored.
func (s *Scheduler) Register(kind Kind, fd int, timeoutMs int, cb Callback, cbCtx any) ID {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	e := &event{id: id, kind: kind, fd: fd, cb: cb, cbCtx: cbCtx, active: true}
	if kind == Timeout {
		e.deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}

	s.runOnLoop(func() { s.install(e) })
	return id
}

// Unregister cancels a previously-registered event. An event whose
// callback has already started continues to completion (spec §4.6).
func (s *Scheduler) Unregister(id ID) {
	s.runOnLoop(func() { s.uninstall(id) })
}

// runOnLoop queues op to run on the loop goroutine and pokes the wake
// pipe so a blocked EpollWait returns promptly.
func (s *Scheduler) runOnLoop(op func()) {
	select {
	case s.pending <- op:
	case <-s.stopCh:
		return
	}
	_, _ = unix.Write(s.wakeW, []byte{0})
}

func (s *Scheduler) install(e *event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.kind {
	case Timeout:
		heap.Push(&s.timers, e)
	case PollReadFD, PollWriteFD:
		set, ok := s.byFD[e.fd]
		if !ok {
			set = make(map[Kind]*event)
			s.byFD[e.fd] = set
		}
		wasEmpty := len(set) == 0
		set[e.kind] = e
		epEvents := epollEventsFor(set)
		op := uint32(unix.EPOLL_CTL_MOD)
		if wasEmpty {
			op = unix.EPOLL_CTL_ADD
		}
		if err := unix.EpollCtl(s.epfd, int(op), e.fd, &unix.EpollEvent{Events: epEvents, Fd: int32(e.fd)}); err != nil && s.logger != nil {
			s.logger.Error("scheduler: epoll_ctl failed", "fd", e.fd, "err", err)
		}
	}
}

func epollEventsFor(set map[Kind]*event) uint32 {
	var ev uint32
	if _, ok := set[PollReadFD]; ok {
		ev |= unix.EPOLLIN
	}
	if _, ok := set[PollWriteFD]; ok {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (s *Scheduler) uninstall(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.timers {
		if e.id == id {
			heap.Remove(&s.timers, i)
			return
		}
	}
	for fd, set := range s.byFD {
		for kind, e := range set {
			if e.id != id {
				continue
			}
			delete(set, kind)
			if len(set) == 0 {
				delete(s.byFD, fd)
				_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			} else {
				_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: epollEventsFor(set), Fd: int32(fd)})
			}
			return
		}
	}
}

// Run blocks, driving ticks until Stop is called. Call it from a
// dedicated goroutine, analogous to the teacher's ioLoop.
func (s *Scheduler) Run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if !s.tick() {
			return
		}
	}
}

// tick computes the minimum deadline, blocks in EpollWait, drains
// pending Register/Unregister ops, and fires the ready callbacks (spec
// §4.6 "On each tick"): fd callbacks in the order EpollWait reports
// their fds, then expired timers in deadline order. Callbacks are not
// reordered by registration.
func (s *Scheduler) tick() bool {
	timeoutMs := s.waitTimeoutMs()

	var raw [32]unix.EpollEvent
	n, err := unix.EpollWait(s.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return true
		}
		if s.logger != nil {
			s.logger.Error("scheduler: epoll_wait failed", "err", err)
		}
		return false
	}

	s.drainPending()

	woken := false
	ready := make([]*event, 0, n)
	s.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == s.wakeR {
			woken = true
			continue
		}
		set, ok := s.byFD[fd]
		if !ok {
			continue
		}
		if raw[i].Events&unix.EPOLLIN != 0 {
			if e, ok := set[PollReadFD]; ok {
				ready = append(ready, e)
			}
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			if e, ok := set[PollWriteFD]; ok {
				ready = append(ready, e)
			}
		}
	}
	expired := s.popExpiredTimersLocked(time.Now())
	s.mu.Unlock()

	if woken {
		var buf [64]byte
		for {
			if _, err := unix.Read(s.wakeR, buf[:]); err != nil {
				break
			}
		}
	}

	for _, e := range append(ready, expired...) {
		e.cb(e.cbCtx)
	}
	return true
}

func (s *Scheduler) drainPending() {
	for {
		select {
		case op := <-s.pending:
			op()
		default:
			return
		}
	}
}

func (s *Scheduler) popExpiredTimersLocked(now time.Time) []*event {
	var expired []*event
	for len(s.timers) > 0 && !s.timers[0].deadline.After(now) {
		e := heap.Pop(&s.timers).(*event)
		expired = append(expired, e)
	}
	return expired
}

func (s *Scheduler) waitTimeoutMs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return -1
	}
	d := time.Until(s.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int(ms)
}

// Stop halts the loop after the current tick and releases the epoll
// and pipe fds. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_, _ = unix.Write(s.wakeW, []byte{0})
	})
	<-s.doneCh
	unix.Close(s.epfd)
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
}
