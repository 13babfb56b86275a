// Package watch implements the filesystem watcher of spec §4.G: a thin
// wrapper over a single shared inotify instance, decoding raw events into
// symbolic flag names and routing them to the Watch handle that registered
// the underlying watch descriptor.
//
// Grounded on the inotify read/parse loop in
// other_examples/9098d23d_bobbydeveaux-starbucks-mugs__internal-watcher-inotify_linux.go.go
// (buffer sizing, InotifyEvent binary layout, EINTR/overflow handling), but
// ported from raw syscall+unsafe parsing to golang.org/x/sys/unix's typed
// InotifyEvent and epoll-driven readiness instead of poll(2), to match the
// teacher's unix package usage and the shared internal/dispatch.Loop.
package watch

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/splicebroker/internal/dispatch"
	"github.com/srg/splicebroker/internal/handle"
)

// EventCallback is invoked once per decoded inotify event for the Watch
// handle that owns its watch descriptor. names is the symbolic flag list
// (spec §4.G), e.g. {"modify", "close_write"}; residual is any bits with no
// symbolic name, rendered as a numeric suffix.
type EventCallback func(id int, names []string, residual uint32, name string)

const closedFD = -1

// flagNames is the fixed symbolic flag table from spec §4.G, walked in a
// stable order so multi-bit masks render deterministically.
var flagNames = []struct {
	bit  uint32
	name string
}{
	{unix.IN_ACCESS, "access"},
	{unix.IN_MODIFY, "modify"},
	{unix.IN_ATTRIB, "attrib"},
	{unix.IN_CLOSE_WRITE, "close_write"},
	{unix.IN_CLOSE_NOWRITE, "close_nowrite"},
	{unix.IN_OPEN, "open"},
	{unix.IN_MOVED_FROM, "moved_from"},
	{unix.IN_MOVED_TO, "moved_to"},
	{unix.IN_CREATE, "create"},
	{unix.IN_DELETE, "delete"},
	{unix.IN_DELETE_SELF, "delete_self"},
	{unix.IN_MOVE_SELF, "move_self"},
	{unix.IN_UNMOUNT, "unmount"},
	{unix.IN_Q_OVERFLOW, "queue_overflow"},
	{unix.IN_IGNORED, "ignored"},
	{unix.IN_ONLYDIR, "onlydir"},
	{unix.IN_DONT_FOLLOW, "dont_follow"},
	{unix.IN_EXCL_UNLINK, "excl_unlink"},
	{unix.IN_MASK_CREATE, "mask_create"},
	{unix.IN_MASK_ADD, "mask_add"},
	{unix.IN_ISDIR, "isdir"},
	{unix.IN_ONESHOT, "oneshot"},
}

// maskAliases are the group tokens ParseMask accepts in addition to the
// individual flagNames entries (spec §4.G: "close" means IN_CLOSE_WRITE |
// IN_CLOSE_NOWRITE, "move" means IN_MOVED_FROM | IN_MOVED_TO).
var maskAliases = map[string]uint32{
	"close": unix.IN_CLOSE_WRITE | unix.IN_CLOSE_NOWRITE,
	"move":  unix.IN_MOVED_FROM | unix.IN_MOVED_TO,
}

// DecodeMask renders mask as the ordered list of symbolic names it
// contains, plus whatever bits none of them cover.
func DecodeMask(mask uint32) (names []string, residual uint32) {
	residual = mask
	for _, f := range flagNames {
		if mask&f.bit != 0 {
			names = append(names, f.name)
			residual &^= f.bit
		}
	}
	return names, residual
}

// ParseMask is DecodeMask's inverse: it parses a list of symbolic tokens,
// one token per slice element (including the close/move group aliases),
// back into a raw mask. Surrounding whitespace and empty elements are
// ignored; an element is not split further on any separator.
func ParseMask(tokens []string) (uint32, error) {
	var mask uint32
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if bit, ok := maskAliases[tok]; ok {
			mask |= bit
			continue
		}
		found := false
		for _, f := range flagNames {
			if f.name == tok {
				mask |= f.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("watch: unknown mask token %q", tok)
		}
	}
	return mask, nil
}

// Payload is the Watch variant of handle.Payload (spec §3).
type Payload struct {
	WD       int
	Path     string
	Mask     uint32
	OnEvent  EventCallback
}

// PayloadKind implements handle.Payload.
func (p *Payload) PayloadKind() handle.Kind { return handle.KindWatch }

// Engine owns the single shared inotify instance for a table, created
// lazily on the first Watch call (spec §4.G: "one inotify fd per process,
// not per watch").
type Engine struct {
	table  *handle.Table
	loop   *dispatch.Loop
	logger *logrus.Logger

	fd int // closedFD until the first watch is registered

	// index is the watch-descriptor -> handle-id fast path (spec §9:
	// cornelk/hashmap, same generic map type the teacher's scanner.go uses
	// for its device registry). Table.WatchList()'s linear scan remains the
	// ground truth for the dbg_handles self-consistency check; this index
	// only accelerates event routing.
	index *hashmap.Map[int, int]
}

// NewEngine creates a watch Engine. The inotify instance is not opened
// until the first successful Watch call.
func NewEngine(table *handle.Table, loop *dispatch.Loop, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		table:  table,
		loop:   loop,
		logger: logger,
		fd:     closedFD,
		index:  hashmap.New[int, int](),
	}
}

func (e *Engine) ensureInotify() error {
	if e.fd != closedFD {
		return nil
	}
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return fmt.Errorf("watch: inotify_init1: %w", err)
	}
	e.fd = fd
	return e.loop.Register(fd, dispatch.Readable, func(fd int, m dispatch.Mask) {
		e.onReady()
	})
}

// Watch installs a Watch payload on the already-allocated handle id,
// registering path with the shared inotify instance under mask.
func (e *Engine) Watch(id int, path string, mask uint32, onEvent EventCallback) error {
	if err := e.ensureInotify(); err != nil {
		return err
	}

	wd, err := unix.InotifyAddWatch(e.fd, path, mask)
	if err != nil {
		return fmt.Errorf("watch: inotify_add_watch %q: %w", path, err)
	}

	p := &Payload{WD: wd, Path: path, Mask: mask, OnEvent: onEvent}
	e.table.SetWatch(id, p)
	e.index.Set(wd, id)
	return nil
}

// inotifyEventSize is the fixed size of the kernel inotify_event header,
// excluding the variable-length name field.
var inotifyEventSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// onReady reads and decodes every pending inotify event. A short read, an
// EOF, or a truncated record is treated as fatal for the entire watch
// subsystem (spec §4.G: the shared fd is unrecoverable at that point) — it
// is logged, the inotify fd is torn down, and every live Watch handle
// becomes a dead handle that stays in the table until explicitly closed;
// individual watches do not try to re-subscribe.
func (e *Engine) onReady() {
	const bufSize = 64 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)
	buf := make([]byte, bufSize)

	n, err := unix.Read(e.fd, buf)
	switch {
	case err == nil && n > 0:
		e.parseAndDispatch(buf[:n])
	case err == nil && n == 0:
		e.fatal(errors.New("watch: inotify fd returned EOF"))
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		// spurious wake; nothing pending.
	default:
		e.fatal(fmt.Errorf("watch: inotify read: %w", err))
	}
}

func (e *Engine) parseAndDispatch(buf []byte) {
	offset := 0
	for offset+inotifyEventSize <= len(buf) {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				e.fatal(errors.New("watch: truncated inotify record"))
				return
			}
			name = strings.TrimRight(string(buf[offset:offset+int(ev.Len)]), "\x00")
			offset += int(ev.Len)
		}

		e.dispatch(int(ev.Wd), uint32(ev.Mask), name)
	}
	if offset != len(buf) {
		e.fatal(errors.New("watch: truncated inotify record"))
	}
}

func (e *Engine) dispatch(wd int, mask uint32, name string) {
	id, ok := e.index.Get(wd)
	if !ok {
		// IN_IGNORED for a watch descriptor we no longer track (e.g. we
		// removed it ourselves) is expected and silently absorbed.
		return
	}

	h := e.table.Slot(id)
	if h == nil || h.Kind != handle.KindWatch {
		e.index.Del(wd)
		return
	}
	p := h.Payload.(*Payload)

	names, residual := DecodeMask(mask)
	if mask&unix.IN_IGNORED != 0 {
		// the kernel will send no further events for this wd; drop our
		// bookkeeping for it, but still deliver the event itself.
		e.index.Del(wd)
	}

	if p.OnEvent != nil {
		p.OnEvent(id, names, residual, name)
	}
}

// fatal tears down the shared inotify instance after an unrecoverable read
// failure. Every live Watch handle is demoted to a dead handle (spec §4.G:
// "remain as dead handles until explicitly closed") rather than freed —
// invariant H4 forbids reusing a handle's id before an explicit close, and
// Free here would let an unrelated caller's stale handle string get
// silently reassigned to a brand new connection or watch.
func (e *Engine) fatal(err error) {
	e.logger.WithError(err).Error("watch: inotify subsystem failed, tearing down all watches")

	if e.fd != closedFD {
		_ = e.loop.Unregister(e.fd)
		_ = unix.Close(e.fd)
		e.fd = closedFD
	}

	for _, h := range e.table.WatchList() {
		e.table.MarkDead(h.ID)
	}
	e.index = hashmap.New[int, int]()
}

// Close implements the `close` command for a single Watch handle: removes
// its inotify watch descriptor (leaving the shared instance and any other
// watch untouched) and frees the slot. A handle already demoted to dead by
// fatal still carries its *Payload, so closing it after the fact still
// reaches here and frees its id (fatal only stops servicing it early).
func (e *Engine) Close(id int) error {
	h := e.table.Slot(id)
	if h == nil {
		return nil // idempotent
	}
	p, ok := h.Payload.(*Payload)
	if !ok {
		return nil // idempotent: not a watch handle, live or dead
	}

	if h.Kind == handle.KindWatch && e.fd != closedFD {
		if err := unix.InotifyRmWatch(e.fd, uint32(p.WD)); err != nil && !errors.Is(err, unix.EINVAL) {
			e.logger.WithError(err).Warn("watch: inotify_rm_watch failed")
		}
		e.index.Del(p.WD)
	}
	e.table.Free(id)
	return nil
}
