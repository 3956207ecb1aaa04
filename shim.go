package transferloop

import (
	"encoding/binary"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Shim supplies descriptor-watch capability to event loops that lack it. It
// wraps a [BasicLoop] in an auxiliary watcher thread running the platform
// poller; fired events are forwarded back into the wrapped loop via Submit,
// so every adapter-visible callback still executes on the loop and the
// single-threaded serialization model is preserved.
//
// A watched descriptor is paused in the poller until the forwarded callback
// has run, preventing the watcher thread from re-reporting a still-ready
// descriptor faster than the loop consumes it.
//
// [NewAdapter] applies the shim transparently when the supplied loop does
// not implement [ReadinessLoop]; it can also be constructed directly.
type Shim struct {
	loop BasicLoop

	poller fdPoller

	watches map[int]*fdWatch

	done chan struct{}

	wakeBuf [8]byte

	wakeFD      int
	wakeWriteFD int

	closed atomic.Bool

	watchMu sync.Mutex
}

var _ ReadinessLoop = (*Shim)(nil)

// NewShim wraps loop with a watcher thread providing descriptor watches.
// The caller must Close the shim when done; closing the shim does not close
// the wrapped loop.
func NewShim(loop BasicLoop) (*Shim, error) {
	readFD, writeFD, err := newWakeFD()
	if err != nil {
		return nil, err
	}

	s := &Shim{
		loop:        loop,
		watches:     make(map[int]*fdWatch),
		done:        make(chan struct{}),
		wakeFD:      readFD,
		wakeWriteFD: writeFD,
	}

	if err := s.poller.Init(); err != nil {
		_ = closeFD(readFD)
		if writeFD != readFD {
			_ = closeFD(writeFD)
		}
		return nil, err
	}

	if err := s.poller.RegisterFD(readFD, EventRead, func(IOEvents) {
		s.drainWake()
	}); err != nil {
		_ = s.poller.Close()
		_ = closeFD(readFD)
		if writeFD != readFD {
			_ = closeFD(writeFD)
		}
		return nil, err
	}

	go s.watch()

	return s, nil
}

// Submit delegates to the wrapped loop.
func (s *Shim) Submit(fn func()) error {
	return s.loop.Submit(fn)
}

// CallLater delegates to the wrapped loop.
func (s *Shim) CallLater(d time.Duration, fn func()) (Timer, error) {
	return s.loop.CallLater(d, fn)
}

// AddReader registers cb to fire on the wrapped loop whenever fd is
// readable. An existing reader callback for fd is replaced.
func (s *Shim) AddReader(fd int, cb func()) error {
	return s.setWatch(fd, cb, nil)
}

// AddWriter registers cb to fire on the wrapped loop whenever fd is
// writable. An existing writer callback for fd is replaced.
func (s *Shim) AddWriter(fd int, cb func()) error {
	return s.setWatch(fd, nil, cb)
}

// RemoveReader drops the reader callback for fd.
func (s *Shim) RemoveReader(fd int) error {
	return s.clearWatch(fd, true)
}

// RemoveWriter drops the writer callback for fd.
func (s *Shim) RemoveWriter(fd int) error {
	return s.clearWatch(fd, false)
}

func (s *Shim) setWatch(fd int, read, write func()) error {
	if s.closed.Load() {
		return ErrLoopClosed
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	w, existing := s.watches[fd]
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
		if err := s.poller.RegisterFD(fd, w.events(), func(events IOEvents) {
			s.dispatch(fd, events)
		}); err != nil {
			return err
		}
		s.watches[fd] = w
		return nil
	}
	return s.poller.ModifyFD(fd, w.events())
}

func (s *Shim) clearWatch(fd int, read bool) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	w, ok := s.watches[fd]
	if !ok || (read && w.read == nil) || (!read && w.write == nil) {
		return ErrFDNotRegistered
	}

	if read {
		w.read = nil
	} else {
		w.write = nil
	}

	if w.read == nil && w.write == nil {
		delete(s.watches, fd)
		return s.poller.UnregisterFD(fd)
	}
	return s.poller.ModifyFD(fd, w.events())
}

// dispatch runs on the watcher thread: it pauses the descriptor, then
// forwards the callbacks onto the wrapped loop, re-arming once they have
// run.
func (s *Shim) dispatch(fd int, events IOEvents) {
	s.watchMu.Lock()
	w, ok := s.watches[fd]
	var read, write func()
	if ok {
		read, write = w.read, w.write
		_ = s.poller.ModifyFD(fd, 0)
	}
	s.watchMu.Unlock()

	if !ok {
		return
	}

	err := s.loop.Submit(func() {
		if events&(EventRead|EventError|EventHangup) != 0 && read != nil {
			read()
		}
		if events&(EventWrite|EventError|EventHangup) != 0 && write != nil {
			write()
		}
		s.rearm(fd)
	})
	if err != nil {
		// Loop gone; leave the descriptor paused.
		return
	}
}

// rearm restores the poller interest for fd from the current watch state.
func (s *Shim) rearm(fd int) {
	if s.closed.Load() {
		return
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if w, ok := s.watches[fd]; ok {
		_ = s.poller.ModifyFD(fd, w.events())
	}
}

// watch is the auxiliary thread body.
func (s *Shim) watch() {
	defer close(s.done)
	for !s.closed.Load() {
		if _, err := s.poller.Poll(-1); err != nil {
			if !s.closed.Load() {
				log.Printf("ERROR: transferloop: shim poll failed: %v - stopping watcher", err)
			}
			return
		}
	}
}

func (s *Shim) drainWake() {
	for {
		if _, err := readFD(s.wakeFD, s.wakeBuf[:]); err != nil {
			break
		}
	}
}

// Close stops the watcher thread and releases the poller. The wrapped loop
// is left untouched. Idempotent.
func (s *Shim) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = writeFD(s.wakeWriteFD, buf[:])
	<-s.done

	s.watchMu.Lock()
	s.watches = make(map[int]*fdWatch)
	s.watchMu.Unlock()

	err := s.poller.Close()
	_ = closeFD(s.wakeFD)
	if s.wakeWriteFD != s.wakeFD {
		_ = closeFD(s.wakeWriteFD)
	}
	return err
}
