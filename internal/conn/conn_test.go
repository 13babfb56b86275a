package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/srg/splicebroker/internal/dispatch"
	"github.com/srg/splicebroker/internal/handle"
)

// socketpair returns two connected, non-blocking stream socket fds.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

type harness struct {
	table  *handle.Table
	loop   *dispatch.Loop
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tbl := handle.New("sockptyr_")
	loop, err := dispatch.NewLoop(nil)
	require.NoError(t, err)
	eng := NewEngine(tbl, loop, nil, 4096)

	go loop.Run()
	t.Cleanup(func() {
		loop.Stop()
		loop.Close()
	})
	return &harness{table: tbl, loop: loop, engine: eng}
}

func (h *harness) newConn(t *testing.T, fd int) int {
	t.Helper()
	id := h.table.Allocate()
	require.NoError(t, h.engine.Init(id, fd, OriginAccepted))
	return id
}

func TestEchoSpliceNoLoss(t *testing.T) {
	h := newHarness(t)

	connA, outsideA := socketpair(t)
	connB, outsideB := socketpair(t)
	defer unix.Close(outsideA)
	defer unix.Close(outsideB)

	idA := h.newConn(t, connA)
	idB := h.newConn(t, connB)
	require.NoError(t, h.engine.Link(idA, idB, true))

	_, err := unix.Write(outsideA, []byte("ABCDE"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.Eventually(t, func() bool {
		n, _ := unix.Read(outsideB, buf)
		return n == 5 && string(buf[:5]) == "ABCDE"
	}, 2*time.Second, 5*time.Millisecond)

	_, err = unix.Write(outsideB, []byte("zz"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, _ := unix.Read(outsideA, buf)
		return n == 2 && string(buf[:2]) == "zz"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPeerCloseTriggersOnCloseAndUnpairsOtherSide(t *testing.T) {
	h := newHarness(t)

	connA, outsideA := socketpair(t)
	connB, outsideB := socketpair(t)
	defer unix.Close(outsideA)

	idA := h.newConn(t, connA)
	idB := h.newConn(t, connB)
	require.NoError(t, h.engine.Link(idA, idB, true))

	closed := make(chan int, 1)
	require.NoError(t, h.engine.SetOnClose(idB, func(id int) { closed <- id }))

	require.NoError(t, unix.Close(outsideB)) // triggers read()==0 on connB

	select {
	case id := <-closed:
		require.Equal(t, idB, id)
	case <-time.After(2 * time.Second):
		t.Fatal("on_close was not invoked after peer close")
	}

	// B's slot must be freed; A must now be unpaired (writes to it just
	// get discarded, per spec P6).
	require.Eventually(t, func() bool {
		hB := h.table.Slot(idB)
		return hB.Kind == handle.KindEmpty
	}, time.Second, 5*time.Millisecond)

	pA, ok := h.engine.payload(idA)
	require.True(t, ok)
	require.Eventually(t, func() bool { return pA.Peer == noPeer }, time.Second, 5*time.Millisecond)
}

func TestUnlinkMidStreamResetsBuffer(t *testing.T) {
	h := newHarness(t)

	connA, outsideA := socketpair(t)
	connB, outsideB := socketpair(t)
	defer unix.Close(outsideA)
	defer unix.Close(outsideB)

	idA := h.newConn(t, connA)
	idB := h.newConn(t, connB)
	require.NoError(t, h.engine.Link(idA, idB, true))

	_, err := unix.Write(outsideA, []byte("ABCDE"))
	require.NoError(t, err)

	// Give A's read loop a moment to buffer the bytes before unlinking.
	require.Eventually(t, func() bool {
		pA, _ := h.engine.payload(idA)
		return !pA.Buf.IsEmpty()
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, h.engine.Unlink(idA))

	connC, outsideC := socketpair(t)
	defer unix.Close(outsideC)
	idC := h.newConn(t, connC)
	require.NoError(t, h.engine.Link(idA, idC, true))

	buf := make([]byte, 16)
	time.Sleep(50 * time.Millisecond)
	n, _ := unix.Read(outsideC, buf)
	require.Equal(t, 0, n, "bytes buffered before the unlink must not reappear on the new peer")
}

func TestIdempotentClose(t *testing.T) {
	h := newHarness(t)
	connA, outsideA := socketpair(t)
	defer unix.Close(outsideA)
	idA := h.newConn(t, connA)

	require.NoError(t, h.engine.Close(idA))
	require.NoError(t, h.engine.Close(idA))
	require.Equal(t, handle.KindEmpty, h.table.Slot(idA).Kind)
}

func TestSelfLinkedConnectionDiscardsBytesInsteadOfEchoing(t *testing.T) {
	h := newHarness(t)
	connA, outsideA := socketpair(t)
	defer unix.Close(outsideA)
	idA := h.newConn(t, connA)

	require.NoError(t, h.engine.Link(idA, idA, true))

	_, err := unix.Write(outsideA, []byte("echo-me"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pA, _ := h.engine.payload(idA)
		return pA.Buf.IsEmpty()
	}, time.Second, 5*time.Millisecond)

	buf := make([]byte, 16)
	require.NoError(t, unix.SetNonblock(outsideA, true))
	n, err := unix.Read(outsideA, buf)
	require.True(t, n <= 0 || err != nil, "a self-linked connection must never echo its own bytes back")
}

func TestUnpairedConnectionDiscardsBytes(t *testing.T) {
	h := newHarness(t)
	connA, outsideA := socketpair(t)
	defer unix.Close(outsideA)
	idA := h.newConn(t, connA)

	_, err := unix.Write(outsideA, []byte("discard-me"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pA, _ := h.engine.payload(idA)
		return pA.Buf.IsEmpty()
	}, time.Second, 5*time.Millisecond)
}
