package handle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePayload struct{ kind Kind }

func (f fakePayload) PayloadKind() Kind { return f.kind }

func TestAllocateIDsEqualSlotIndex(t *testing.T) {
	tbl := New("")
	a := tbl.Allocate()
	b := tbl.Allocate()
	require.Equal(t, 0, a)
	require.Equal(t, 1, b)
}

func TestGrowthPolicyMaxOneQuarter(t *testing.T) {
	tbl := New("")
	// first grow(): start=0 -> n=max(1,0)=1 slot
	id := tbl.Allocate()
	require.Equal(t, 0, id)
	require.Equal(t, 1, tbl.Len())

	// table exhausted again: start=1 -> n=max(1,0)=1
	id = tbl.Allocate()
	require.Equal(t, 1, id)
	require.Equal(t, 2, tbl.Len())
}

func TestAllocateReusesMostRecentlyFreedHead(t *testing.T) {
	tbl := New("")
	a := tbl.Allocate()
	b := tbl.Allocate()
	tbl.SetConnection(a, fakePayload{kind: KindConnection})
	tbl.SetConnection(b, fakePayload{kind: KindConnection})

	tbl.Free(b)
	reused := tbl.Allocate()
	require.Equal(t, b, reused, "allocate must return the head of the empty-list, i.e. the most recently freed slot")

	tbl.Free(a)
	reused2 := tbl.Allocate()
	require.Equal(t, a, reused2)
}

func TestLookupCaseInsensitivePrefix(t *testing.T) {
	tbl := New("sockptyr_")
	id := tbl.Allocate()
	tbl.SetConnection(id, fakePayload{kind: KindConnection})

	h, err := tbl.Lookup("SOCKPTYR_0")
	require.NoError(t, err)
	require.Equal(t, id, h.ID)

	_, err = tbl.Lookup("sockptyr_999")
	require.Error(t, err)

	_, err = tbl.Lookup("sockptyr_-1")
	require.Error(t, err)

	_, err = tbl.Lookup("bogus_0")
	require.Error(t, err)
}

func TestLookupAcceptsDeadSlot(t *testing.T) {
	tbl := New("sockptyr_")
	tbl.Allocate() // leaves slot 0 as Dead, not Empty, so still "live"
	_, err := tbl.Lookup("sockptyr_0")
	require.NoError(t, err, "Dead is non-Empty and thus a valid lookup target")
}

func TestFreeIsIdempotent(t *testing.T) {
	tbl := New("")
	id := tbl.Allocate()
	tbl.SetConnection(id, fakePayload{kind: KindConnection})

	tbl.Free(id)
	require.NotPanics(t, func() { tbl.Free(id) })

	h := tbl.Slot(id)
	require.Equal(t, KindEmpty, h.Kind)
}

func TestWatchListMembershipAndScan(t *testing.T) {
	tbl := New("")
	w1 := tbl.Allocate()
	w2 := tbl.Allocate()
	tbl.SetWatch(w1, fakePayload{kind: KindWatch})
	tbl.SetWatch(w2, fakePayload{kind: KindWatch})

	list := tbl.WatchList()
	require.Len(t, list, 2)
	require.Equal(t, w1, list[0].ID)
	require.Equal(t, w2, list[1].ID)

	tbl.Free(w1)
	list = tbl.WatchList()
	require.Len(t, list, 1)
	require.Equal(t, w2, list[0].ID)
}

func TestStringFormat(t *testing.T) {
	tbl := New("sockptyr_")
	id := tbl.Allocate()
	require.Equal(t, "sockptyr_0", tbl.String(id))
}
