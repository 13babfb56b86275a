// Package dispatch implements the Event Dispatcher Interface of spec §4.E:
// a single-threaded, epoll-backed reactor that the splice engine (D), the
// listener (F), and the filesystem watcher (G) all register file
// descriptors with.
//
// The reactor shape — one loop fed by a kernel poller, dispatching
// readiness to per-fd handlers — is the same idiom the pack's gaio
// (xtaci/gaio, kept under _examples as socket515-gaio/watcher.go) uses for
// its proactor loop, and the one the teacher's internal/ptyio.go uses at
// single-fd scale via unix.Poll. This package scales that idiom to many
// fds with epoll, using golang.org/x/sys/unix exactly as the teacher does.
package dispatch

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Mask is the set of readiness kinds the loop watches for on a fd.
type Mask uint8

const (
	None     Mask = 0
	Readable Mask = 1 << iota
	Writable
)

func (m Mask) String() string {
	switch m {
	case None:
		return "none"
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	default:
		return fmt.Sprintf("mask(%d)", uint8(m))
	}
}

// Handler is invoked on the loop goroutine when fd is ready in a subset m
// of its registered mask.
type Handler func(fd int, m Mask)

type registration struct {
	mask    Mask
	handler Handler
}

// Loop is the single-threaded cooperative event loop. The zero value is
// not usable; construct with NewLoop.
type Loop struct {
	epfd   int
	logger *logrus.Logger

	regs map[int]*registration

	// preserve/release bookkeeping: nested scope brackets around callback
	// invocation (spec §4.E). A Close() triggered from inside a callback
	// queues its Unregister onto deferred and it runs once depth returns
	// to zero, so a fd removal never races the batch of epoll events
	// currently being walked.
	depth    int
	deferred []func()

	events []unix.EpollEvent
	stop   chan struct{}
}

// NewLoop creates a Loop backed by a fresh epoll instance.
func NewLoop(logger *logrus.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatch: epoll_create1: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		epfd:   epfd,
		logger: logger,
		regs:   make(map[int]*registration),
		events: make([]unix.EpollEvent, 256),
		stop:   make(chan struct{}),
	}, nil
}

func maskToEvents(m Mask) uint32 {
	var e uint32
	if m&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func eventsToMask(e uint32) Mask {
	var m Mask
	if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		m |= Readable
	}
	if e&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		m |= Writable
	}
	return m
}

// Register replaces any prior registration for fd. mask == None clears
// interest (the fd stays tracked so it can be re-armed) without removing
// it from epoll entirely; use Unregister to stop tracking fd altogether.
func (l *Loop) Register(fd int, mask Mask, handler Handler) error {
	ev := unix.EpollEvent{Events: maskToEvents(mask), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if _, ok := l.regs[fd]; !ok {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("dispatch: epoll_ctl(fd=%d, mask=%s): %w", fd, mask, err)
	}
	l.regs[fd] = &registration{mask: mask, handler: handler}
	return nil
}

// Unregister removes fd from the loop entirely.
func (l *Loop) Unregister(fd int) error {
	unregisterNow := func() error {
		if _, ok := l.regs[fd]; !ok {
			return nil
		}
		delete(l.regs, fd)
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
			return fmt.Errorf("dispatch: epoll_ctl(del, fd=%d): %w", fd, err)
		}
		return nil
	}

	if l.depth > 0 {
		l.deferred = append(l.deferred, func() {
			if err := unregisterNow(); err != nil {
				l.logger.WithError(err).Warn("dispatch: deferred unregister failed")
			}
		})
		return nil
	}
	return unregisterNow()
}

// Preserve marks entry into a scope (typically one callback invocation)
// whose teardown side effects should be deferred until the outermost
// matching Release. Nested Preserve/Release pairs compose: only the
// outermost Release flushes deferred work.
func (l *Loop) Preserve() {
	l.depth++
}

// Release exits a scope opened by Preserve. When depth returns to zero,
// every deferred teardown queued during the scope runs, in order.
func (l *Loop) Release() {
	l.depth--
	if l.depth < 0 {
		l.depth = 0
	}
	if l.depth == 0 && len(l.deferred) > 0 {
		pending := l.deferred
		l.deferred = nil
		for _, fn := range pending {
			fn()
		}
	}
}

// Stop asks Run to return after completing the in-flight epoll_wait.
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// Close releases the epoll fd. Run must have returned first.
func (l *Loop) Close() error {
	return syscall.Close(l.epfd)
}

// Run blocks, servicing readiness events until Stop is called or epoll
// reports a fatal error. It is the one goroutine on which every
// Connection, Listener, and Watch handler executes (spec §5).
func (l *Loop) Run() error {
	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, l.events, 250 /* ms */)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("dispatch: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := l.events[i]
			fd := int(ev.Fd)
			reg, ok := l.regs[fd]
			if !ok {
				continue // raced with an Unregister in this same batch
			}
			m := eventsToMask(ev.Events) & reg.mask
			if m == None {
				continue
			}

			l.Preserve()
			reg.handler(fd, m)
			l.Release()
		}
	}
}
