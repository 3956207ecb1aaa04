//go:build darwin

package transferloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// IOEvents is a bitmask of descriptor readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end.
	EventHangup
)

type kqueueEntry struct {
	cb     func(IOEvents)
	events IOEvents
}

// fdPoller multiplexes descriptor readiness using kqueue.
//
// Callbacks execute inline on the goroutine calling Poll, outside the
// internal lock, so they may re-enter registration methods.
type fdPoller struct {
	eventBuf [128]unix.Kevent_t
	cbs      map[int]*kqueueEntry
	mu       sync.RWMutex
	kq       int
	closed   atomic.Bool
}

func (p *fdPoller) Init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.cbs = make(map[int]*kqueueEntry)
	return nil
}

// eventsToKevents maps an IOEvents mask to kqueue filter changes.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

// RegisterFD adds a descriptor to the watch set.
func (p *fdPoller) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	if p.closed.Load() {
		return ErrLoopClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.cbs[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			return err
		}
	}
	p.cbs[fd] = &kqueueEntry{cb: cb, events: events}
	return nil
}

// ModifyFD updates the watched events for a registered descriptor.
func (p *fdPoller) ModifyFD(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrLoopClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cbs[fd]
	if !ok {
		return ErrFDNotRegistered
	}

	if removed := entry.events &^ events; removed != 0 {
		if kevents := eventsToKevents(fd, removed, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(p.kq, kevents, nil, nil)
		}
	}
	if added := events &^ entry.events; added != 0 {
		if kevents := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	entry.events = events
	return nil
}

// UnregisterFD removes a descriptor from the watch set.
func (p *fdPoller) UnregisterFD(fd int) error {
	if p.closed.Load() {
		return ErrLoopClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cbs[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if kevents := eventsToKevents(fd, entry.events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(p.kq, kevents, nil, nil)
	}
	delete(p.cbs, fd)
	return nil
}

// Poll blocks up to timeoutMS (-1 blocks indefinitely) and dispatches
// callbacks for ready descriptors. Returns the number of events handled.
func (p *fdPoller) Poll(timeoutMS int) (int, error) {
	var ts *unix.Timespec
	if timeoutMS >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMS / 1000),
			Nsec: int64((timeoutMS % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		fd := int(ev.Ident)

		var events IOEvents
		switch ev.Filter {
		case unix.EVFILT_READ:
			events |= EventRead
		case unix.EVFILT_WRITE:
			events |= EventWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			events |= EventHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			events |= EventError
		}

		p.mu.RLock()
		entry := p.cbs[fd]
		p.mu.RUnlock()
		if entry != nil && entry.cb != nil {
			entry.cb(events)
		}
	}

	return n, nil
}

func (p *fdPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.kq)
}
