// Package listener implements the Listener payload and accept loop of spec
// §4.F: a handle that owns a bound, listening socket and hands each
// accepted connection to a callback as a freshly allocated Connection
// handle.
//
// Grounded on the teacher's internal/ptyio.go non-blocking syscall
// discipline (EINTR retry, EAGAIN re-arm) applied here to accept() instead
// of read()/write(), and on original_source/sockptyr_core.c's `listen`
// command (refusing to bind over a pre-existing socket path — see
// SPEC_FULL.md's supplemented feature #6).
package listener

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/splicebroker/internal/conn"
	"github.com/srg/splicebroker/internal/dispatch"
	"github.com/srg/splicebroker/internal/handle"
)

// AcceptCallback is invoked with the handle id of each newly accepted
// Connection (origin conn.OriginAccepted).
type AcceptCallback func(id int)

// AcceptErrorCallback is an optional hook for accept() failures other than
// EAGAIN/EINTR (SPEC_FULL.md open-question decision: the original always
// just slept and retried; this adds visibility without changing that
// behavior).
type AcceptErrorCallback func(path string, err error)

const closedFD = -1

// acceptBackoff is the delay before retrying after an accept() error that
// isn't EAGAIN/EINTR, matching the original's unconditional 1s sleep.
const acceptBackoff = time.Second

// Payload is the Listener variant of handle.Payload (spec §3).
type Payload struct {
	FD       int
	Path     string
	OnAccept AcceptCallback
	OnError  AcceptErrorCallback
}

// PayloadKind implements handle.Payload.
func (p *Payload) PayloadKind() handle.Kind { return handle.KindListener }

// Engine owns every Listener handle's accept loop, sharing the same table
// and dispatch loop as conn.Engine so accepted connections land in the same
// event-loop goroutine (spec §5).
type Engine struct {
	table  *handle.Table
	loop   *dispatch.Loop
	conns  *conn.Engine
	logger *logrus.Logger
}

// NewEngine creates a listener Engine.
func NewEngine(table *handle.Table, loop *dispatch.Loop, conns *conn.Engine, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{table: table, loop: loop, conns: conns, logger: logger}
}

// Listen binds and listens on a Unix-domain socket at path, installing a
// Listener payload on the already-allocated handle id. Binding over an
// existing socket path is refused (supplemented feature #6); the caller is
// expected to unlink a stale socket itself if that's what they want.
func (e *Engine) Listen(id int, path string, onAccept AcceptCallback) error {
	if len(path) > conn.MaxUnixPathLen {
		return fmt.Errorf("listener: path %q exceeds maximum unix socket path length (%d)", path, conn.MaxUnixPathLen)
	}
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("listener: refusing to listen on existing path %q", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("listener: stat %q: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("listener: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listener: bind %q: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listener: listen %q: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listener: set non-blocking fd=%d: %w", fd, err)
	}

	p := &Payload{FD: fd, Path: path, OnAccept: onAccept}
	e.table.SetListener(id, p)

	return e.loop.Register(fd, dispatch.Readable, func(fd int, m dispatch.Mask) {
		e.onReady(id)
	})
}

// SetOnAcceptError installs the optional accept-error hook.
func (e *Engine) SetOnAcceptError(id int, cb AcceptErrorCallback) error {
	p, ok := e.payload(id)
	if !ok {
		return ErrNotListener
	}
	p.OnError = cb
	return nil
}

// ErrNotListener is returned by operations that require id to name a live
// Listener handle.
var ErrNotListener = errors.New("listener: handle is not a listener")

func (e *Engine) payload(id int) (*Payload, bool) {
	h := e.table.Slot(id)
	if h == nil || h.Kind != handle.KindListener {
		return nil, false
	}
	return h.Payload.(*Payload), true
}

// onReady accepts exactly one connection per wake (spec §4.F): a listening
// socket is always re-armed READABLE afterward, so a backlog drains one
// accept() per event-loop pass rather than in a tight inner loop.
func (e *Engine) onReady(id int) {
	p, ok := e.payload(id)
	if !ok {
		return
	}

	newFD, _, err := unix.Accept(p.FD)
	switch {
	case err == nil:
		e.acceptOne(p, newFD)
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		// spurious wake or a peer that hung up between connect and accept.
	default:
		if p.OnError != nil {
			p.OnError(p.Path, err)
		} else {
			e.logger.WithError(err).WithField("path", p.Path).Warn("listener: accept failed")
		}
		time.Sleep(acceptBackoff)
	}
}

func (e *Engine) acceptOne(p *Payload, newFD int) {
	id := e.table.Allocate()
	if err := e.conns.Init(id, newFD, conn.OriginAccepted); err != nil {
		e.logger.WithError(err).Warn("listener: failed to install accepted connection")
		_ = unix.Close(newFD)
		e.table.Free(id)
		return
	}
	if p.OnAccept != nil {
		p.OnAccept(id)
	}
}

// Close implements the `close` command for a Listener handle: stops
// accepting, closes the listening fd, and frees the slot. Already-accepted
// Connection handles are unaffected.
func (e *Engine) Close(id int) error {
	p, ok := e.payload(id)
	if !ok {
		return nil // idempotent
	}
	if p.FD != closedFD {
		_ = e.loop.Unregister(p.FD)
		_ = unix.Close(p.FD)
		p.FD = closedFD
	}
	e.table.Free(id)
	return nil
}
