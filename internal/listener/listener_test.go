package listener

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/srg/splicebroker/internal/conn"
	"github.com/srg/splicebroker/internal/dispatch"
	"github.com/srg/splicebroker/internal/handle"
)

func newHarness(t *testing.T) (*handle.Table, *dispatch.Loop, *conn.Engine, *Engine) {
	t.Helper()
	tbl := handle.New("sockptyr_")
	loop, err := dispatch.NewLoop(nil)
	require.NoError(t, err)
	conns := conn.NewEngine(tbl, loop, nil, 4096)
	lsnrs := NewEngine(tbl, loop, conns, nil)

	go loop.Run()
	t.Cleanup(func() {
		loop.Stop()
		loop.Close()
	})
	return tbl, loop, conns, lsnrs
}

func TestListenAcceptInvokesCallback(t *testing.T) {
	tbl, _, _, lsnrs := newHarness(t)

	sockPath := filepath.Join(t.TempDir(), "test.sock")
	id := tbl.Allocate()

	accepted := make(chan int, 1)
	require.NoError(t, lsnrs.Listen(id, sockPath, func(connID int) { accepted <- connID }))

	dialFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(dialFD)
	require.NoError(t, unix.Connect(dialFD, &unix.SockaddrUnix{Name: sockPath}))

	select {
	case connID := <-accepted:
		h := tbl.Slot(connID)
		require.NotNil(t, h)
		require.Equal(t, handle.KindConnection, h.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("accept callback never fired")
	}
}

func TestListenRefusesExistingPath(t *testing.T) {
	tbl, _, _, lsnrs := newHarness(t)

	sockPath := filepath.Join(t.TempDir(), "existing")
	require.NoError(t, os.WriteFile(sockPath, []byte("x"), 0o644))

	id := tbl.Allocate()
	err := lsnrs.Listen(id, sockPath, func(int) {})
	require.Error(t, err)
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	tbl, _, _, lsnrs := newHarness(t)

	sockPath := filepath.Join(t.TempDir(), "test2.sock")
	id := tbl.Allocate()
	require.NoError(t, lsnrs.Listen(id, sockPath, func(int) {}))

	require.NoError(t, lsnrs.Close(id))
	require.NoError(t, lsnrs.Close(id))
	require.Equal(t, handle.KindEmpty, tbl.Slot(id).Kind)
}
