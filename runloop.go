package transferloop

import (
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLoopRunning is returned when Run is called on a loop that is already
// running.
var ErrLoopRunning = errors.New("transferloop: loop is already running")

// loopTimer is a deferred callback scheduled on a [RunLoop]. Cancellation
// is a flag rather than heap surgery: a cancelled timer stays in the heap
// and is discarded when it pops, so Cancel is cheap and safe from any
// goroutine, including after the deadline has expired.
type loopTimer struct {
	when      time.Time
	fn        func()
	cancelled atomic.Bool
}

// Cancel prevents the callback from running. Idempotent.
func (t *loopTimer) Cancel() {
	t.cancelled.Store(true)
}

// timerQueue is a min-heap of loop timers ordered by deadline.
type timerQueue []*loopTimer

func (q timerQueue) Len() int           { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q[i].when.Before(q[j].when) }
func (q timerQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x any) { *q = append(*q, x.(*loopTimer)) }
func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return x
}

// fdWatch holds the per-direction callbacks for one watched descriptor.
type fdWatch struct {
	read  func()
	write func()
}

func (w *fdWatch) events() IOEvents {
	var events IOEvents
	if w.read != nil {
		events |= EventRead
	}
	if w.write != nil {
		events |= EventWrite
	}
	return events
}

// RunLoop is a single-goroutine cooperative event loop implementing
// [ReadinessLoop]: serialized task submission, deferred callbacks, and
// descriptor readiness watches over the platform poller (epoll on Linux,
// kqueue on Darwin).
//
// All callbacks — submitted tasks, timers, and readiness watches — execute
// on the goroutine running [RunLoop.Run], strictly serialized. Submit,
// CallLater, and the watch methods are safe to call from any goroutine.
type RunLoop struct {
	poller fdPoller

	watches map[int]*fdWatch

	tasks []func()

	timers timerQueue

	loopDone chan struct{}

	wakeBuf [8]byte

	wakeFD      int
	wakeWriteFD int

	wakePending atomic.Uint32

	state loopState

	watchMu sync.Mutex
	tasksMu sync.Mutex
	timerMu sync.Mutex
}

// NewRunLoop creates a loop. The loop does not process work until
// [RunLoop.Run] is called.
func NewRunLoop() (*RunLoop, error) {
	readFD, writeFD, err := newWakeFD()
	if err != nil {
		return nil, err
	}

	l := &RunLoop{
		watches:     make(map[int]*fdWatch),
		loopDone:    make(chan struct{}),
		wakeFD:      readFD,
		wakeWriteFD: writeFD,
	}

	if err := l.poller.Init(); err != nil {
		_ = closeFD(readFD)
		if writeFD != readFD {
			_ = closeFD(writeFD)
		}
		return nil, err
	}

	if err := l.poller.RegisterFD(readFD, EventRead, func(IOEvents) {
		l.drainWake()
	}); err != nil {
		_ = l.poller.Close()
		_ = closeFD(readFD)
		if writeFD != readFD {
			_ = closeFD(writeFD)
		}
		return nil, err
	}

	return l, nil
}

// Run runs the loop on the calling goroutine and blocks until it
// terminates via [RunLoop.Close], [RunLoop.Shutdown], or ctx cancellation.
func (l *RunLoop) Run(ctx context.Context) error {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopClosed
		}
		return ErrLoopRunning
	}

	defer close(l.loopDone)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	var err error
	for {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		if l.state.Load() == StateTerminating {
			break
		}
		l.tick()
	}

	l.shutdown()
	return err
}

// tick is a single loop iteration: timers, tasks, then poll.
func (l *RunLoop) tick() {
	l.runTimers()
	l.runTasks()
	l.poll()
}

// Submit schedules fn to run on the loop goroutine.
func (l *RunLoop) Submit(fn func()) error {
	if l.state.Load() == StateTerminated {
		return ErrLoopClosed
	}

	l.tasksMu.Lock()
	l.tasks = append(l.tasks, fn)
	l.tasksMu.Unlock()

	l.wakeIfSleeping()
	return nil
}

// CallLater schedules fn to run on the loop goroutine after delay d.
func (l *RunLoop) CallLater(d time.Duration, fn func()) (Timer, error) {
	if l.state.Load() == StateTerminated {
		return nil, ErrLoopClosed
	}

	t := &loopTimer{when: time.Now().Add(d), fn: fn}
	l.timerMu.Lock()
	heap.Push(&l.timers, t)
	l.timerMu.Unlock()

	// The new deadline may be earlier than the one the sleeping poll was
	// armed with.
	l.wakeIfSleeping()
	return t, nil
}

// AddReader registers cb to fire whenever fd is readable. An existing
// reader callback for fd is replaced.
func (l *RunLoop) AddReader(fd int, cb func()) error {
	return l.setWatch(fd, cb, nil)
}

// AddWriter registers cb to fire whenever fd is writable. An existing
// writer callback for fd is replaced.
func (l *RunLoop) AddWriter(fd int, cb func()) error {
	return l.setWatch(fd, nil, cb)
}

// RemoveReader drops the reader callback for fd.
func (l *RunLoop) RemoveReader(fd int) error {
	return l.clearWatch(fd, true)
}

// RemoveWriter drops the writer callback for fd.
func (l *RunLoop) RemoveWriter(fd int) error {
	return l.clearWatch(fd, false)
}

func (l *RunLoop) setWatch(fd int, read, write func()) error {
	if l.state.Load() == StateTerminated {
		return ErrLoopClosed
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	w, existing := l.watches[fd]
	if !existing {
		w = &fdWatch{}
	}
	if read != nil {
		w.read = read
	}
	if write != nil {
		w.write = write
	}

	if !existing {
		if err := l.poller.RegisterFD(fd, w.events(), func(events IOEvents) {
			l.dispatchFD(fd, events)
		}); err != nil {
			return err
		}
		l.watches[fd] = w
		return nil
	}
	return l.poller.ModifyFD(fd, w.events())
}

func (l *RunLoop) clearWatch(fd int, read bool) error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	w, ok := l.watches[fd]
	if !ok || (read && w.read == nil) || (!read && w.write == nil) {
		return ErrFDNotRegistered
	}

	if read {
		w.read = nil
	} else {
		w.write = nil
	}

	if w.read == nil && w.write == nil {
		delete(l.watches, fd)
		return l.poller.UnregisterFD(fd)
	}
	return l.poller.ModifyFD(fd, w.events())
}

// dispatchFD routes a poller event to the per-direction callbacks. Error
// and hangup conditions fire both directions so the owner can observe the
// failure by attempting I/O.
func (l *RunLoop) dispatchFD(fd int, events IOEvents) {
	l.watchMu.Lock()
	w, ok := l.watches[fd]
	var read, write func()
	if ok {
		read, write = w.read, w.write
	}
	l.watchMu.Unlock()

	if !ok {
		return
	}
	if events&(EventRead|EventError|EventHangup) != 0 && read != nil {
		l.safeExecute(read)
	}
	if events&(EventWrite|EventError|EventHangup) != 0 && write != nil {
		l.safeExecute(write)
	}
}

// runTimers executes all expired, uncancelled timers.
func (l *RunLoop) runTimers() {
	now := time.Now()
	for {
		l.timerMu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.timerMu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*loopTimer)
		l.timerMu.Unlock()

		if t.cancelled.Load() {
			continue
		}
		l.safeExecute(t.fn)
	}
}

// runTasks executes all currently queued tasks.
func (l *RunLoop) runTasks() {
	l.tasksMu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.tasksMu.Unlock()

	for _, fn := range tasks {
		l.safeExecute(fn)
	}
}

// poll blocks until the next readiness event, wake-up, or timer deadline.
func (l *RunLoop) poll() {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	l.tasksMu.Lock()
	pending := len(l.tasks) > 0
	l.tasksMu.Unlock()
	if pending {
		l.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	if _, err := l.poller.Poll(l.pollTimeout()); err != nil {
		log.Printf("ERROR: transferloop: poll failed: %v - terminating loop", err)
		l.state.TryTransition(StateSleeping, StateTerminating)
		return
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

// pollTimeout computes the poll timeout in milliseconds from the next
// timer deadline, capped at ten seconds.
func (l *RunLoop) pollTimeout() int {
	maxDelay := 10 * time.Second

	l.timerMu.Lock()
	if len(l.timers) > 0 {
		if delay := time.Until(l.timers[0].when); delay < maxDelay {
			maxDelay = delay
		}
	}
	l.timerMu.Unlock()

	if maxDelay <= 0 {
		return 0
	}
	if maxDelay < time.Millisecond {
		return 1
	}
	return int(maxDelay.Milliseconds())
}

// wakeIfSleeping wakes the loop if it is blocked in poll, deduplicating
// concurrent wake requests.
func (l *RunLoop) wakeIfSleeping() {
	if l.state.Load() != StateSleeping {
		return
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		l.wake()
	}
}

func (l *RunLoop) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	// Write errors (EBADF, EPIPE) are expected while the loop shuts down
	// and the queued work is drained regardless.
	_, _ = writeFD(l.wakeWriteFD, buf[:])
}

func (l *RunLoop) drainWake() {
	for {
		if _, err := readFD(l.wakeFD, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

func (l *RunLoop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: transferloop: loop callback panicked: %v", r)
		}
	}()
	fn()
}

// shutdown drains queued tasks and releases descriptors. Runs on the loop
// goroutine after the run loop exits.
func (l *RunLoop) shutdown() {
	l.state.Store(StateTerminated)

	// Let racing Submit calls that passed the state check land.
	for i := 0; i < 3; i++ {
		l.runTasks()
		runtime.Gosched()
	}

	l.closeFDs()
}

func (l *RunLoop) closeFDs() {
	_ = l.poller.Close()
	_ = closeFD(l.wakeFD)
	if l.wakeWriteFD != l.wakeFD {
		_ = closeFD(l.wakeWriteFD)
	}
}

// State returns the loop's current state.
func (l *RunLoop) State() LoopState {
	return l.state.Load()
}

// Close signals the loop to terminate without waiting for it to finish. A
// loop that was never started is torn down immediately.
func (l *RunLoop) Close() error {
	for {
		current := l.state.Load()
		if current == StateTerminated {
			return nil
		}
		if l.state.TryTransition(current, StateTerminating) {
			if current == StateAwake {
				l.state.Store(StateTerminated)
				l.closeFDs()
				close(l.loopDone)
			} else if current == StateSleeping {
				l.wake()
			}
			return nil
		}
	}
}

// Shutdown signals the loop to terminate and blocks until it has, or until
// ctx expires.
func (l *RunLoop) Shutdown(ctx context.Context) error {
	_ = l.Close()
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
