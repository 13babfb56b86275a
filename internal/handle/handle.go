// Package handle implements the handle table described in spec §3/§4.A: an
// identifier-stable registry of typed resources (Connection, Listener,
// Watch) addressed by a small integer id that doubles as the slot's index
// in the table (invariant H1).
//
// Grounded on the original sockptyr_core.c handle array/free-list design
// (see original_source/sockptyr_core.c around `hdls_extend`), reworked into
// idiomatic Go: handles are *Handle pointers so the free-list and
// watch-list can be threaded intrusively through fields on the struct
// itself (design note in spec §9), and slot growth never invalidates a
// previously returned pointer.
package handle

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the payload a Handle carries. Kind drives dispatch
// instead of a type hierarchy (spec §9: "tagged variant over inheritance").
type Kind uint8

const (
	// KindEmpty marks a slot available for allocation.
	KindEmpty Kind = iota
	// KindDead marks a slot allocated but not yet initialized.
	KindDead
	// KindConnection is a byte-stream endpoint.
	KindConnection
	// KindListener is a listening socket awaiting connections.
	KindListener
	// KindWatch is a filesystem watch.
	KindWatch
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindDead:
		return "dead"
	case KindConnection:
		return "connection"
	case KindListener:
		return "listener"
	case KindWatch:
		return "watch"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Payload is implemented by the kind-specific payload types living in
// internal/conn, internal/listener, and internal/watch. Keeping Payload an
// interface here (rather than importing those packages) avoids an import
// cycle: they depend on handle.Table, not the other way around.
type Payload interface {
	// PayloadKind reports which Kind this payload belongs to. Table itself
	// does not call it; the Set* methods set Kind explicitly.
	PayloadKind() Kind
}

// listMembership records which intrusive list (if any) a Handle currently
// threads through. Invariant H3: a handle is on at most one list at a time.
type listMembership uint8

const (
	listNone listMembership = iota
	listEmptySlots
	listWatches
)

// Handle is one typed slot in the table.
type Handle struct {
	ID      int
	Kind    Kind
	Payload Payload

	prev, next int // slot ids, -1 = no link
	member     listMembership
}

// Table is the handle registry for one process. It is not safe for
// concurrent use without external synchronization; the core dispatcher
// serializes all access onto the single event-loop goroutine.
type Table struct {
	prefix string
	slots  []*Handle

	emptyHead, emptyTail int // -1 when list is empty
	watchHead, watchTail int
}

// DefaultPrefix is the handle-string prefix used when none is configured,
// matching the original's "sockptyr_" default (original_source/sockptyr_core.c).
const DefaultPrefix = "sockptyr_"

// New creates an empty table. An empty prefix falls back to DefaultPrefix.
func New(prefix string) *Table {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Table{
		prefix:    prefix,
		emptyHead: -1,
		emptyTail: -1,
		watchHead: -1,
		watchTail: -1,
	}
}

// Prefix returns the handle-string prefix this table uses.
func (t *Table) Prefix() string {
	return t.prefix
}

// Len returns the total number of slots, live or free.
func (t *Table) Len() int {
	return len(t.slots)
}

// growthIncrement returns max(1, current/4) new slots. This is one slot
// fewer than the original's `ahdls += 1 + (ahdls >> 2)` once current >= 4.
func growthIncrement(current int) int {
	n := current / 4
	if n < 1 {
		n = 1
	}
	return n
}

func (t *Table) grow() {
	start := len(t.slots)
	n := growthIncrement(start)
	for i := 0; i < n; i++ {
		h := &Handle{ID: start + i, Kind: KindEmpty, prev: -1, next: -1}
		t.slots = append(t.slots, h)
		t.pushEmpty(h)
	}
}

func (t *Table) pushEmpty(h *Handle) {
	h.member = listEmptySlots
	h.prev = t.emptyTail
	h.next = -1
	if t.emptyTail >= 0 {
		t.slots[t.emptyTail].next = h.ID
	} else {
		t.emptyHead = h.ID
	}
	t.emptyTail = h.ID
}

func (t *Table) removeFromList(h *Handle) {
	switch h.member {
	case listEmptySlots:
		t.unlink(h, &t.emptyHead, &t.emptyTail)
	case listWatches:
		t.unlink(h, &t.watchHead, &t.watchTail)
	}
	h.member = listNone
	h.prev, h.next = -1, -1
}

func (t *Table) unlink(h *Handle, head, tail *int) {
	if h.prev >= 0 {
		t.slots[h.prev].next = h.next
	} else {
		*head = h.next
	}
	if h.next >= 0 {
		t.slots[h.next].prev = h.prev
	} else {
		*tail = h.prev
	}
}

// Allocate returns a new id, transitioning a slot Empty -> Dead. The slot
// chosen is always the head of the empty-list: the most recently freed or
// newly created slot (spec §4.A ordering guarantee).
func (t *Table) Allocate() int {
	if t.emptyHead < 0 {
		t.grow()
	}
	h := t.slots[t.emptyHead]
	t.removeFromList(h)
	h.Kind = KindDead
	h.Payload = nil
	return h.ID
}

// Slot returns the handle for id, or nil if id is out of range. Callers
// within internal/conn, internal/listener, internal/watch use this to
// install a payload and mutate kind after Allocate.
func (t *Table) Slot(id int) *Handle {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

// SetConnection installs p as a Connection payload for id.
func (t *Table) SetConnection(id int, p Payload) {
	h := t.Slot(id)
	if h == nil {
		return
	}
	h.Kind = KindConnection
	h.Payload = p
}

// SetListener installs p as a Listener payload for id.
func (t *Table) SetListener(id int, p Payload) {
	h := t.Slot(id)
	if h == nil {
		return
	}
	h.Kind = KindListener
	h.Payload = p
}

// SetWatch installs p as a Watch payload for id and threads the handle
// onto the watch-list (invariant H3).
func (t *Table) SetWatch(id int, p Payload) {
	h := t.Slot(id)
	if h == nil {
		return
	}
	h.Kind = KindWatch
	h.Payload = p
	h.member = listWatches
	h.prev = t.watchTail
	h.next = -1
	if t.watchTail >= 0 {
		t.slots[t.watchTail].next = id
	} else {
		t.watchHead = id
	}
	t.watchTail = id
}

// Free returns slot id to Empty: clears its payload, removes it from the
// watch-list if present, and pushes it onto the head of the empty-list so
// the next Allocate reuses it (invariant H4: only after this explicit
// call may the id be reused).
func (t *Table) Free(id int) {
	h := t.Slot(id)
	if h == nil || h.Kind == KindEmpty {
		return // idempotent: re-closing an already-closed id is a no-op
	}
	t.removeFromList(h)
	h.Kind = KindEmpty
	h.Payload = nil
	t.pushEmptyHead(h)
}

// MarkDead demotes id to KindDead without freeing its slot: it is removed
// from whatever list it was threaded onto (e.g. the watch-list) so it no
// longer participates in live bookkeeping, but its payload is left in
// place and its id stays unavailable for Allocate until a caller explicitly
// Frees it (invariant H4). Used when an owning engine tears itself down out
// from under a handle it can no longer service, so the handle reports as
// dead rather than disappearing and letting its id be silently reused.
func (t *Table) MarkDead(id int) {
	h := t.Slot(id)
	if h == nil || h.Kind == KindEmpty {
		return
	}
	t.removeFromList(h)
	h.Kind = KindDead
}

// pushEmptyHead pushes h onto the *head* of the empty-list so it is the
// very next id Allocate hands out (spec §4.A: "most recently freed").
func (t *Table) pushEmptyHead(h *Handle) {
	h.member = listEmptySlots
	h.next = t.emptyHead
	h.prev = -1
	if t.emptyHead >= 0 {
		t.slots[t.emptyHead].prev = h.ID
	} else {
		t.emptyTail = h.ID
	}
	t.emptyHead = h.ID
}

// WatchList returns every handle currently on the watch-list, in
// insertion order. Used by the filesystem watcher's event-decode linear
// scan (spec §4.G) and by the self-consistency check.
func (t *Table) WatchList() []*Handle {
	var out []*Handle
	for id := t.watchHead; id >= 0; {
		h := t.slots[id]
		out = append(out, h)
		id = h.next
	}
	return out
}

// String renders a handle id in canonical textual form: "<prefix><id>".
func (t *Table) String(id int) string {
	return fmt.Sprintf("%s%d", t.prefix, id)
}

// Lookup parses a canonical handle string (case-insensitive prefix,
// decimal id, no negative or out-of-range numbers) and returns the slot if
// it is not Empty.
func (t *Table) Lookup(s string) (*Handle, error) {
	if len(s) <= len(t.prefix) || !strings.EqualFold(s[:len(t.prefix)], t.prefix) {
		return nil, fmt.Errorf("handle: %q does not have prefix %q", s, t.prefix)
	}
	numPart := s[len(t.prefix):]
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return nil, fmt.Errorf("handle: %q is not a valid handle id: %w", s, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("handle: %q is negative", s)
	}
	h := t.Slot(n)
	if h == nil || h.Kind == KindEmpty {
		return nil, fmt.Errorf("handle: %q is not a live handle", s)
	}
	return h, nil
}

// Walk calls fn for every non-Empty handle in ascending id order. Used by
// dbg_handles to build its report.
func (t *Table) Walk(fn func(h *Handle)) {
	for _, h := range t.slots {
		if h.Kind != KindEmpty {
			fn(h)
		}
	}
}
