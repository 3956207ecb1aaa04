//go:build linux

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

// fdPoller multiplexes descriptor readiness using epoll.
//
// Callbacks execute inline on the goroutine calling Poll, outside the
// internal lock, so they may re-enter registration methods.
type fdPoller struct {
	eventBuf [128]unix.EpollEvent
	cbs      map[int]func(IOEvents)
	mu       sync.RWMutex
	epfd     int
	closed   atomic.Bool
}

func (p *fdPoller) Init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.cbs = make(map[int]func(IOEvents))
	return nil
}

func epollMask(events IOEvents) uint32 {
	var mask uint32
	if events&EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
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
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.cbs[fd] = cb
	return nil
}

// ModifyFD updates the watched events for a registered descriptor.
func (p *fdPoller) ModifyFD(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrLoopClosed
	}
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// UnregisterFD removes a descriptor from the watch set.
func (p *fdPoller) UnregisterFD(fd int) error {
	if p.closed.Load() {
		return ErrLoopClosed
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.cbs, fd)
	p.mu.Unlock()
	return nil
}

// Poll blocks up to timeoutMS (-1 blocks indefinitely) and dispatches
// callbacks for ready descriptors. Returns the number of events handled.
func (p *fdPoller) Poll(timeoutMS int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		fd := int(ev.Fd)

		var events IOEvents
		if ev.Events&unix.EPOLLIN != 0 {
			events |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			events |= EventWrite
		}
		if ev.Events&unix.EPOLLERR != 0 {
			events |= EventError
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			events |= EventHangup
		}

		p.mu.RLock()
		cb := p.cbs[fd]
		p.mu.RUnlock()
		if cb != nil {
			cb(events)
		}
	}

	return n, nil
}

func (p *fdPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.epfd)
}
