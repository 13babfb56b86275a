// Package conn implements the Connection payload (spec §3) and the splice
// engine (spec §4.D): the readable/writable handler pair that moves bytes
// between two linked connections' ring buffers without loss, re-arming
// interest on the Event Dispatcher as buffer state changes.
//
// Grounded on the teacher's internal/ptyio.go read/write loops (the
// EAGAIN/EINTR/EBADF handling shape, the "capture the fd once" discipline)
// but restructured around one shared internal/dispatch.Loop instead of a
// goroutine per connection, since the spec calls for a single cooperative
// event loop.
package conn

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/splicebroker/internal/dispatch"
	"github.com/srg/splicebroker/internal/handle"
	"github.com/srg/splicebroker/internal/ringbuf"
)

// Origin records how a Connection's fd was obtained.
type Origin uint8

const (
	OriginPTY Origin = iota
	OriginOutboundConnect
	OriginAccepted
)

func (o Origin) String() string {
	switch o {
	case OriginPTY:
		return "pty"
	case OriginOutboundConnect:
		return "outbound-connect"
	case OriginAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// ErrorClass is the first token of the error-callback payload (spec §6).
type ErrorClass string

const (
	ErrClassIO  ErrorClass = "io"
	ErrClassBug ErrorClass = "bug"
)

// CloseCallback is invoked when a connection is destroyed, before its
// resources are released (spec §4.A close semantics).
type CloseCallback func(id int)

// ErrorCallback is invoked on asynchronous connection errors (spec §7.2).
// code is a concrete errno token (EIO, EPIPE, ECONNRESET, ESHUTDOWN) or
// empty when none applies.
type ErrorCallback func(id int, class ErrorClass, code string, msg string)

// closedFD is the sentinel value stored in Payload.FD once a connection's
// descriptor has been released.
const closedFD = -1

// noPeer is the sentinel Peer value meaning "no peer linked".
const noPeer = -1

// Payload is the Connection variant of handle.Payload (spec §3).
type Payload struct {
	FD      int
	Buf     *ringbuf.Buffer
	Peer    int // handle id of peer connection, or noPeer
	OnClose CloseCallback
	OnError ErrorCallback
	Origin  Origin
}

// PayloadKind implements handle.Payload.
func (p *Payload) PayloadKind() handle.Kind { return handle.KindConnection }

// Engine owns the splice logic for every Connection handle in a table. One
// Engine is shared by every connection; it holds no per-connection state
// itself (that lives in Payload), only the table/loop it operates on.
type Engine struct {
	table  *handle.Table
	loop   *dispatch.Loop
	logger *logrus.Logger

	defaultBufferSize int
}

// NewEngine creates a splice Engine. defaultBufferSize seeds the
// process-wide ring buffer size (spec §3 default 4096); use SetBufferSize
// to change it afterward (only new connections are affected, per spec §9).
func NewEngine(table *handle.Table, loop *dispatch.Loop, logger *logrus.Logger, defaultBufferSize int) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if defaultBufferSize <= 0 {
		defaultBufferSize = 4096
	}
	return &Engine{table: table, loop: loop, logger: logger, defaultBufferSize: defaultBufferSize}
}

// SetBufferSize changes the process-wide default ring buffer size used by
// future Init calls. Existing connections keep their current buffer.
func (e *Engine) SetBufferSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("conn: buffer size must be > 0, got %d", n)
	}
	e.defaultBufferSize = n
	return nil
}

// Init installs fd as a Connection payload on an already-allocated handle
// id, and arms the initial READABLE interest (an empty buffer is
// writable-into, per spec §4.C).
func (e *Engine) Init(id int, fd int, origin Origin) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("conn: set non-blocking fd=%d: %w", fd, err)
	}
	p := &Payload{
		FD:     fd,
		Buf:    ringbuf.New(e.defaultBufferSize),
		Peer:   noPeer,
		Origin: origin,
	}
	e.table.SetConnection(id, p)
	return e.registerInterest(id)
}

func (e *Engine) payload(id int) (*Payload, bool) {
	h := e.table.Slot(id)
	if h == nil || h.Kind != handle.KindConnection {
		return nil, false
	}
	return h.Payload.(*Payload), true
}

// ErrNotConnection is returned by operations that require id to name a
// live Connection handle.
var ErrNotConnection = errors.New("conn: handle is not a connection")

// SetOnClose replaces (or, with cb == nil, clears) the on_close callback.
// Clearing on a non-connection is a silent no-op (spec §6); setting one is
// an error.
func (e *Engine) SetOnClose(id int, cb CloseCallback) error {
	p, ok := e.payload(id)
	if !ok {
		if cb == nil {
			return nil
		}
		return ErrNotConnection
	}
	p.OnClose = cb
	return nil
}

// SetOnError mirrors SetOnClose for the error callback.
func (e *Engine) SetOnError(id int, cb ErrorCallback) error {
	p, ok := e.payload(id)
	if !ok {
		if cb == nil {
			return nil
		}
		return ErrNotConnection
	}
	p.OnError = cb
	return nil
}

// Link pairs a with b (if hasB), unlinking either from any current peer
// first. With hasB == false this is spec's single-arg `link`, i.e. Unlink.
func (e *Engine) Link(a int, b int, hasB bool) error {
	pa, ok := e.payload(a)
	if !ok {
		return ErrNotConnection
	}
	e.unlinkOne(a)

	if !hasB {
		return e.registerInterest(a)
	}

	pb, ok := e.payload(b)
	if !ok {
		return ErrNotConnection
	}
	e.unlinkOne(b)

	pa.Peer = b
	pb.Peer = a
	// Invariant C3: buffers reset on (un)link to avoid cross-pair
	// contamination and to keep peer-close detectable (spec §4.C).
	pa.Buf.Reset()
	pb.Buf.Reset()

	if err := e.registerInterest(a); err != nil {
		return err
	}
	return e.registerInterest(b)
}

// Unlink is Link(a, _, false).
func (e *Engine) Unlink(a int) error {
	return e.Link(a, 0, false)
}

func (e *Engine) unlinkOne(id int) {
	p, ok := e.payload(id)
	if !ok || p.Peer == noPeer {
		return
	}
	peerID := p.Peer
	p.Peer = noPeer
	p.Buf.Reset()

	if peerP, ok := e.payload(peerID); ok {
		peerP.Peer = noPeer
		peerP.Buf.Reset()
		_ = e.registerInterest(peerID)
	}
}

// isUnpaired reports whether id's connection must behave as a bit-bucket
// for buffering purposes (spec §3): either it has no peer at all, or it is
// self-linked (`link hdl hdl`, a quirk carried over from the original's
// handle table where nothing stops a connection naming itself as its own
// peer). A self-linked connection's peer lookup always resolves to itself,
// so treating Peer==id as "paired" would have it echo its own bytes back
// out the same fd instead of discarding them.
func isUnpaired(id int, p *Payload) bool {
	return p.Peer == noPeer || p.Peer == id
}

// interestMask computes the mask spec §4.D specifies for id's current
// state: READABLE iff there is free space in id's own buffer, WRITABLE iff
// a peer exists with a non-empty buffer.
func (e *Engine) interestMask(id int, p *Payload) dispatch.Mask {
	var m dispatch.Mask
	if !p.Buf.IsFull() {
		m |= dispatch.Readable
	}
	if !isUnpaired(id, p) {
		if peerP, ok := e.payload(p.Peer); ok && !peerP.Buf.IsEmpty() {
			m |= dispatch.Writable
		}
	}
	return m
}

func (e *Engine) registerInterest(id int) error {
	p, ok := e.payload(id)
	if !ok || p.FD == closedFD {
		return nil
	}
	mask := e.interestMask(id, p)
	return e.loop.Register(p.FD, mask, func(fd int, m dispatch.Mask) {
		e.onReady(id, m)
	})
}

// onReady is the handler spec §4.D describes: one bounded burst of I/O per
// wake, then interest re-armed on this connection and its peer.
func (e *Engine) onReady(id int, m dispatch.Mask) {
	p, ok := e.payload(id)
	if !ok {
		return // handle was freed before this (already-queued) event arrived
	}

	if m&dispatch.Readable != 0 && !p.Buf.IsFull() {
		if closed := e.doRead(id, p); closed {
			return // destroyed; nothing left to re-arm
		}
	}

	// Re-fetch: doRead may have mutated nothing here, but be defensive
	// against future changes that could free p via a nested callback.
	p, ok = e.payload(id)
	if !ok {
		return
	}

	if isUnpaired(id, p) {
		// Unpaired (including self-linked) connections are a bit-bucket:
		// discard whatever was read (spec §3, §4.D.3, §9 open question 3 —
		// intentional, can lose bytes in flight across an unlink).
		p.Buf.Reset()
	} else if m&dispatch.Writable != 0 {
		if peerP, ok := e.payload(p.Peer); ok && !peerP.Buf.IsEmpty() {
			e.doWrite(id, p, peerP)
		}
	}

	_ = e.registerInterest(id)
	if !isUnpaired(id, p) {
		_ = e.registerInterest(p.Peer)
	}
}

// doRead performs the read half of spec §4.D.1. Returns true if the
// connection was destroyed (peer-closed signal) during the call.
func (e *Engine) doRead(id int, p *Payload) bool {
	span := p.Buf.WritableSpan()
	if len(span) == 0 {
		return false
	}

	n, err := unix.Read(p.FD, span)
	switch {
	case err == nil && n > 0:
		p.Buf.AdvanceIn(n)
		return false
	case err == nil && n == 0:
		e.destroy(id)
		return true
	case errors.Is(err, unix.EINTR):
		return false
	case errors.Is(err, unix.EAGAIN):
		// Nominally blocking I/O reported EAGAIN on a fd the dispatcher
		// said was readable: classify as a library bug, not an I/O fault.
		e.reportError(id, ErrClassBug, "", "read returned EAGAIN on a fd reported readable")
		return false
	default:
		class, code := classifyErrno(err)
		e.reportError(id, class, code, fmt.Sprintf("read: %v", err))
		return false
	}
}

// doWrite performs the write half of spec §4.D.2, sourcing bytes from the
// peer's buffer (spec §9 open question 2: fixed to the peer's indices).
func (e *Engine) doWrite(id int, p, peerP *Payload) {
	span := peerP.Buf.ReadableSpan()
	if len(span) == 0 {
		return
	}

	n, err := unix.Write(p.FD, span)
	switch {
	case err == nil && n > 0:
		peerP.Buf.AdvanceOut(n)
	case err == nil && n == 0:
		e.reportError(id, ErrClassBug, "", "write returned 0 bytes")
	case errors.Is(err, unix.EINTR):
		// ignore, loop will call again
	default:
		class, code := classifyErrno(err)
		e.reportError(id, class, code, fmt.Sprintf("write: %v", err))
	}
}

func classifyErrno(err error) (ErrorClass, string) {
	switch {
	case errors.Is(err, unix.EIO):
		return ErrClassIO, "EIO"
	case errors.Is(err, unix.EPIPE):
		return ErrClassIO, "EPIPE"
	case errors.Is(err, unix.ECONNRESET):
		return ErrClassIO, "ECONNRESET"
	case errors.Is(err, unix.ESHUTDOWN):
		return ErrClassIO, "ESHUTDOWN"
	default:
		return ErrClassIO, ""
	}
}

func (e *Engine) reportError(id int, class ErrorClass, code, msg string) {
	p, ok := e.payload(id)
	if !ok || p.OnError == nil {
		return
	}
	p.OnError(id, class, code, msg)
}

// destroy tears down a connection: invokes on_close (before releasing
// resources, per spec §4.A), unlinks and re-arms its peer, unregisters and
// closes the fd, and frees the slot.
func (e *Engine) destroy(id int) {
	p, ok := e.payload(id)
	if !ok {
		return
	}

	if p.OnClose != nil {
		p.OnClose(id)
	}

	if p.Peer != noPeer {
		peerID := p.Peer
		p.Peer = noPeer
		if peerP, ok := e.payload(peerID); ok {
			peerP.Peer = noPeer
			peerP.Buf.Reset()
			_ = e.registerInterest(peerID)
		}
	}

	if p.FD != closedFD {
		_ = e.loop.Unregister(p.FD)
		_ = unix.Close(p.FD)
		p.FD = closedFD
	}
	p.Buf.Reset()
	e.table.Free(id)
}

// Close implements the `close` command for a Connection handle: it is the
// kind-specific destructor dispatch target from spec §4.A, always invoking
// on_close before returning the slot to Empty.
func (e *Engine) Close(id int) error {
	if _, ok := e.payload(id); !ok {
		return nil // already closed: idempotent (spec §4.A)
	}
	e.destroy(id)
	return nil
}
