// Package core wires the handle table, splice engine, listener, watcher,
// and process-exec helper together behind the command surface of spec §6.
// It is the thing an embedding command interpreter or CLI front-end calls
// into; it owns nothing about how commands are parsed or how results are
// printed (explicitly out of scope, spec §1).
//
// Grounded on the Options-struct-with-defaults and single-entry-point
// pattern in the teacher's bridge.RunDeviceBridge/BridgeOptions (logger
// field, zero-value defaults applied at construction), generalized from a
// one-shot bridge run to a long-lived multi-handle broker.
package core

import (
	"context"
	"fmt"
	"runtime"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/splicebroker/internal/conn"
	"github.com/srg/splicebroker/internal/dispatch"
	"github.com/srg/splicebroker/internal/groutine"
	"github.com/srg/splicebroker/internal/handle"
	"github.com/srg/splicebroker/internal/listener"
	"github.com/srg/splicebroker/internal/procexec"
	"github.com/srg/splicebroker/internal/pty"
	"github.com/srg/splicebroker/internal/watch"
)

// Options configures a Core. Zero-value fields are filled in with the
// defaults below by NewCore (mirrors the teacher's go-defaults usage in
// internal/testutils).
type Options struct {
	HandlePrefix string `default:"sockptyr_"`
	BufferSize   int    `default:"4096"`
	Logger       *logrus.Logger
}

// buildSupportVersion and the compiled-in feature flags surfaced by the
// info command (supplemented feature #3).
const buildSupportVersion = "1"

// Core is the single entry point a command interpreter drives. It owns one
// handle.Table and one dispatch.Loop; every operation below either mutates
// the table synchronously or registers a handler that will run on the
// loop's goroutine.
type Core struct {
	opts   Options
	table  *handle.Table
	loop   *dispatch.Loop
	conns  *conn.Engine
	lsnrs  *listener.Engine
	watch  *watch.Engine
	logger *logrus.Logger
}

// NewCore creates a Core and starts its event loop on a dedicated,
// pprof-labeled goroutine (internal/groutine, per the teacher's goroutine
// naming convention).
func NewCore(opts Options) (*Core, error) {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	table := handle.New(opts.HandlePrefix)
	loop, err := dispatch.NewLoop(opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	conns := conn.NewEngine(table, loop, opts.Logger, opts.BufferSize)
	lsnrs := listener.NewEngine(table, loop, conns, opts.Logger)
	watcher := watch.NewEngine(table, loop, opts.Logger)

	c := &Core{
		opts:   opts,
		table:  table,
		loop:   loop,
		conns:  conns,
		lsnrs:  lsnrs,
		watch:  watcher,
		logger: opts.Logger,
	}

	groutine.Go(nil, "core.dispatch", func(ctx context.Context) {
		if err := loop.Run(); err != nil {
			opts.Logger.WithError(err).Error("core: event loop exited")
		}
	})

	return c, nil
}

// Stop halts the event loop. Outstanding handles are not individually torn
// down; the caller is expected to Close them first if a clean shutdown
// matters.
func (c *Core) Stop() {
	c.loop.Stop()
}

// ParseHandle resolves a canonical handle string (spec §4.A: case-insensitive
// prefix, decimal id) to its numeric id, giving callers outside this package
// the same case-insensitive parsing and "not a handle at all" error contract
// (spec §6) that internal/handle.Table.Lookup already implements, instead of
// each caller re-deriving its own ad hoc prefix-stripping.
func (c *Core) ParseHandle(s string) (int, error) {
	h, err := c.table.Lookup(s)
	if err != nil {
		return 0, fmt.Errorf("core: %w", err)
	}
	return h.ID, nil
}

// OpenPTY implements `open_pty`: allocates a pty master/slave pair and
// installs the master side as a Connection (origin conn.OriginPTY).
func (c *Core) OpenPTY() (id int, ptsName string, err error) {
	pair, err := pty.Open()
	if err != nil {
		return 0, "", fmt.Errorf("core: open_pty: %w", err)
	}
	id = c.table.Allocate()
	if err := c.conns.Init(id, int(pair.Master.Fd()), conn.OriginPTY); err != nil {
		c.table.Free(id)
		_ = pair.Close()
		return 0, "", fmt.Errorf("core: open_pty: %w", err)
	}
	return id, pair.TTYName(), nil
}

// Connect implements `connect`: dials an outbound Unix-domain socket and
// installs it as a Connection (origin conn.OriginOutboundConnect).
func (c *Core) Connect(path string) (int, error) {
	fd, err := conn.DialUnix(path)
	if err != nil {
		return 0, fmt.Errorf("core: connect: %w", err)
	}
	id := c.table.Allocate()
	if err := c.conns.Init(id, fd, conn.OriginOutboundConnect); err != nil {
		c.table.Free(id)
		return 0, fmt.Errorf("core: connect: %w", err)
	}
	return id, nil
}

// Listen implements `listen`: binds a listening Unix-domain socket and
// invokes onAccept once per accepted connection.
func (c *Core) Listen(path string, onAccept listener.AcceptCallback) (int, error) {
	id := c.table.Allocate()
	if err := c.lsnrs.Listen(id, path, onAccept); err != nil {
		c.table.Free(id)
		return 0, fmt.Errorf("core: listen: %w", err)
	}
	return id, nil
}

// Link implements the two-arg form of `link`.
func (c *Core) Link(a, b int) error {
	if err := c.conns.Link(a, b, true); err != nil {
		return fmt.Errorf("core: link: %w", err)
	}
	return nil
}

// Unlink implements the single-arg form of `link`.
func (c *Core) Unlink(a int) error {
	return c.conns.Unlink(a)
}

// SetOnClose implements `onclose`.
func (c *Core) SetOnClose(id int, cb conn.CloseCallback) error {
	return c.conns.SetOnClose(id, cb)
}

// SetOnError implements `onerror`.
func (c *Core) SetOnError(id int, cb conn.ErrorCallback) error {
	return c.conns.SetOnError(id, cb)
}

// Close implements `close`: dispatches to the kind-specific destructor. A
// handle that the watcher demoted to dead out from under the caller (spec
// §4.G) still carries its original payload, so it is routed by payload
// type rather than by h.Kind, which for a dead handle no longer says which
// engine owns it.
func (c *Core) Close(id int) error {
	h := c.table.Slot(id)
	if h == nil {
		return fmt.Errorf("core: close: %s is not a handle", c.table.String(id))
	}
	switch h.Payload.(type) {
	case *conn.Payload:
		return c.conns.Close(id)
	case *listener.Payload:
		return c.lsnrs.Close(id)
	case *watch.Payload:
		return c.watch.Close(id)
	default:
		return nil // already Empty, or Dead with no payload: idempotent
	}
}

// SetBufferSize implements `buffer_size`.
func (c *Core) SetBufferSize(bytes int) error {
	return c.conns.SetBufferSize(bytes)
}

// Exec implements `exec`. This is synchronous and blocks the caller's
// goroutine, not the event loop's, as long as the caller invokes it off
// the loop goroutine (spec §5 warns against calling it from a handler).
func (c *Core) Exec(shellCommand string) (string, error) {
	d, err := procexec.Exec(shellCommand)
	if err != nil {
		return "", fmt.Errorf("core: exec: %w", err)
	}
	if d.Kind == procexec.Unknown {
		return "unknown-termination", nil
	}
	return d.String(), nil
}

// Inotify implements `inotify`: parses the symbolic mask tokens and
// installs a Watch handle.
func (c *Core) Inotify(path string, maskTokens []string, onEvent watch.EventCallback) (int, error) {
	mask, err := watch.ParseMask(maskTokens)
	if err != nil {
		return 0, fmt.Errorf("core: inotify: %w", err)
	}
	id := c.table.Allocate()
	if err := c.watch.Watch(id, path, mask, onEvent); err != nil {
		c.table.Free(id)
		return 0, fmt.Errorf("core: inotify: %w", err)
	}
	return id, nil
}

// Info implements `info`: a key/value report of version and compile-time
// capability flags (supplemented feature #3). Every build of this module
// carries watch and pty support, so those flags are always "1"; they are
// still reported by name for parity with the original's conditional
// compilation.
func (c *Core) Info() *orderedmap.OrderedMap[string, string] {
	om := orderedmap.New[string, string]()
	om.Set("version", buildSupportVersion)
	om.Set("handle_prefix", c.table.Prefix())
	om.Set("buffer_size_default", fmt.Sprintf("%d", c.opts.BufferSize))
	om.Set("compiled_watch_support", "1")
	om.Set("compiled_pty_support", "1")
	om.Set("goos", runtime.GOOS)
	om.Set("goarch", runtime.GOARCH)
	return om
}

// DbgHandles implements `dbg_handles`: one row per live handle, plus any
// `err <msg>` rows surfaced by the self-consistency check (spec §7).
func (c *Core) DbgHandles() *orderedmap.OrderedMap[string, string] {
	om := orderedmap.New[string, string]()

	c.table.Walk(func(h *handle.Handle) {
		om.Set(c.table.String(h.ID), c.describeHandle(h))
	})

	for i, msg := range c.checkConsistency() {
		om.Set(fmt.Sprintf("err_%d", i), msg)
	}
	return om
}

func (c *Core) describeHandle(h *handle.Handle) string {
	switch h.Kind {
	case handle.KindConnection:
		p := h.Payload.(*conn.Payload)
		peer := "-"
		if p.Peer >= 0 {
			peer = c.table.String(p.Peer)
		}
		return fmt.Sprintf("connection fd=%d peer=%s buffered=%d origin=%s on_close=%s on_error=%s",
			p.FD, peer, p.Buf.Len(), p.Origin, yesNo(p.OnClose != nil), yesNo(p.OnError != nil))
	case handle.KindListener:
		p := h.Payload.(*listener.Payload)
		return fmt.Sprintf("listener fd=%d path=%s", p.FD, p.Path)
	case handle.KindWatch:
		p := h.Payload.(*watch.Payload)
		return fmt.Sprintf("watch wd=%d path=%s", p.WD, p.Path)
	default:
		return h.Kind.String()
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// checkConsistency implements spec §7's self-consistency checks: peer
// symmetry for every live connection, and watch-list membership agreeing
// with Table.WatchList(). It walks the table directly rather than trusting
// any cached index (the watch package's hashmap index is a fast path, not
// ground truth, per spec §9).
func (c *Core) checkConsistency() []string {
	var errs []string

	c.table.Walk(func(h *handle.Handle) {
		if h.Kind != handle.KindConnection {
			return
		}
		p := h.Payload.(*conn.Payload)
		if p.Peer < 0 {
			return
		}
		peerH := c.table.Slot(p.Peer)
		if peerH == nil || peerH.Kind != handle.KindConnection {
			errs = append(errs, fmt.Sprintf("%s.peer=%s is not a live connection", c.table.String(h.ID), c.table.String(p.Peer)))
			return
		}
		peerP := peerH.Payload.(*conn.Payload)
		if peerP.Peer != h.ID {
			errs = append(errs, fmt.Sprintf("%s.peer=%s but %s.peer=%s", c.table.String(h.ID), c.table.String(p.Peer), c.table.String(peerH.ID), c.table.String(peerP.Peer)))
		}
	})

	watchCount := len(c.table.WatchList())
	var tallied int
	c.table.Walk(func(h *handle.Handle) {
		if h.Kind == handle.KindWatch {
			tallied++
		}
	})
	if watchCount != tallied {
		errs = append(errs, fmt.Sprintf("watch-list length %d disagrees with table scan count %d", watchCount, tallied))
	}

	return errs
}
