package fake

import (
	"sort"
	"sync"
	"time"

	transferloop "github.com/joeycumines/go-transferloop"
)

// ManualTimer is a deferred callback scheduled on a [Loop]. It fires only
// when the test fires it.
type ManualTimer struct {
	loop      *Loop
	fn        func()
	Delay     time.Duration
	cancelled bool
	fired     bool
}

// Cancel implements [transferloop.Timer]. A cancelled timer does not run
// even if it has already been collected for firing.
func (t *ManualTimer) Cancel() {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	t.cancelled = true
}

// Cancelled reports whether the timer has been cancelled.
func (t *ManualTimer) Cancelled() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.cancelled
}

// Loop is a deterministic implementation of [transferloop.ReadinessLoop]
// for tests. Submitted tasks run synchronously in Submit (the test plays
// the role of the loop goroutine); timers and readiness callbacks fire only
// via the Fire/Trigger methods.
type Loop struct {
	readers map[int]func()
	writers map[int]func()
	timers  []*ManualTimer
	mu      sync.Mutex
}

var _ transferloop.ReadinessLoop = (*Loop)(nil)

// NewLoop creates an empty manual loop.
func NewLoop() *Loop {
	return &Loop{
		readers: make(map[int]func()),
		writers: make(map[int]func()),
	}
}

// Submit runs fn synchronously.
func (l *Loop) Submit(fn func()) error {
	fn()
	return nil
}

// CallLater records a manual timer and returns it.
func (l *Loop) CallLater(d time.Duration, fn func()) (transferloop.Timer, error) {
	t := &ManualTimer{loop: l, fn: fn, Delay: d}
	l.mu.Lock()
	l.timers = append(l.timers, t)
	l.mu.Unlock()
	return t, nil
}

// AddReader implements [transferloop.ReadinessLoop].
func (l *Loop) AddReader(fd int, cb func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readers[fd] = cb
	return nil
}

// RemoveReader implements [transferloop.ReadinessLoop].
func (l *Loop) RemoveReader(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.readers[fd]; !ok {
		return transferloop.ErrFDNotRegistered
	}
	delete(l.readers, fd)
	return nil
}

// AddWriter implements [transferloop.ReadinessLoop].
func (l *Loop) AddWriter(fd int, cb func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers[fd] = cb
	return nil
}

// RemoveWriter implements [transferloop.ReadinessLoop].
func (l *Loop) RemoveWriter(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.writers[fd]; !ok {
		return transferloop.ErrFDNotRegistered
	}
	delete(l.writers, fd)
	return nil
}

// TriggerRead fires the reader callback for fd, if watched.
func (l *Loop) TriggerRead(fd int) bool {
	l.mu.Lock()
	cb := l.readers[fd]
	l.mu.Unlock()
	if cb == nil {
		return false
	}
	cb()
	return true
}

// TriggerWrite fires the writer callback for fd, if watched.
func (l *Loop) TriggerWrite(fd int) bool {
	l.mu.Lock()
	cb := l.writers[fd]
	l.mu.Unlock()
	if cb == nil {
		return false
	}
	cb()
	return true
}

// HasReader reports whether fd has a reader callback.
func (l *Loop) HasReader(fd int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.readers[fd]
	return ok
}

// HasWriter reports whether fd has a writer callback.
func (l *Loop) HasWriter(fd int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.writers[fd]
	return ok
}

// FireNext fires the earliest live (unfired, uncancelled) timer, reporting
// whether one ran. Cancelled timers are discarded without running, exactly
// as a real loop discards collected-but-cancelled deferred callbacks.
func (l *Loop) FireNext() bool {
	for {
		l.mu.Lock()
		live := l.liveLocked()
		if len(live) == 0 {
			l.mu.Unlock()
			return false
		}
		t := live[0]
		t.fired = true
		cancelled := t.cancelled
		l.mu.Unlock()

		if cancelled {
			continue
		}
		t.fn()
		return true
	}
}

// FireAll fires every currently live timer, returning how many ran. Only
// timers live at the time of the call fire; timers their callbacks schedule
// do not (otherwise a self-rescheduling periodic task would never let
// FireAll return).
func (l *Loop) FireAll() int {
	l.mu.Lock()
	live := l.liveLocked()
	for _, t := range live {
		t.fired = true
	}
	l.mu.Unlock()

	var n int
	for _, t := range live {
		if t.Cancelled() {
			continue
		}
		t.fn()
		n++
	}
	return n
}

// LiveTimers returns the count of scheduled timers that have neither fired
// nor been cancelled.
func (l *Loop) LiveTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.liveLocked())
}

func (l *Loop) liveLocked() []*ManualTimer {
	var live []*ManualTimer
	for _, t := range l.timers {
		if !t.fired && !t.cancelled {
			live = append(live, t)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].Delay < live[j].Delay })
	return live
}
