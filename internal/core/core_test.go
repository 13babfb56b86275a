package core

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sys/unix"

	"github.com/srg/splicebroker/internal/conn"
	"github.com/srg/splicebroker/internal/testutils"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c, err := NewCore(Options{})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestInfoReportsDefaults(t *testing.T) {
	c := newTestCore(t)
	info := c.Info()

	v, ok := info.Get("handle_prefix")
	require.True(t, ok)
	require.Equal(t, "sockptyr_", v)

	v, ok = info.Get("buffer_size_default")
	require.True(t, ok)
	require.Equal(t, "4096", v)
}

func TestDbgHandlesReportsLiveConnectionAndNoErrors(t *testing.T) {
	c := newTestCore(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	id := c.table.Allocate()
	require.NoError(t, c.conns.Init(id, fds[0], conn.OriginAccepted))

	report := c.DbgHandles()
	_, ok := report.Get(c.table.String(id))
	require.True(t, ok)

	for pair := report.Oldest(); pair != nil; pair = pair.Next() {
		require.NotContains(t, pair.Key, "err_")
	}
}

func TestLinkUnlinkSelfConsistency(t *testing.T) {
	c := newTestCore(t)

	fdsA, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fdsA[1])
	fdsB, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fdsB[1])

	idA := c.table.Allocate()
	require.NoError(t, c.conns.Init(idA, fdsA[0], conn.OriginAccepted))
	idB := c.table.Allocate()
	require.NoError(t, c.conns.Init(idB, fdsB[0], conn.OriginAccepted))

	require.NoError(t, c.Link(idA, idB))

	report := c.DbgHandles()
	for pair := report.Oldest(); pair != nil; pair = pair.Next() {
		require.NotContains(t, pair.Key, "err_")
	}

	require.NoError(t, c.Unlink(idA))
	time.Sleep(10 * time.Millisecond)
}

func TestExecReturnsExitString(t *testing.T) {
	c := newTestCore(t)
	result, err := c.Exec("exit 3")
	require.NoError(t, err)
	require.Equal(t, "exit 3", result)
}

func TestCloseUnknownHandleErrors(t *testing.T) {
	c := newTestCore(t)
	err := c.Close(9999)
	require.Error(t, err)
}

func TestSetBufferSizeRejectsNonPositive(t *testing.T) {
	c := newTestCore(t)
	require.Error(t, c.SetBufferSize(0))
	require.NoError(t, c.SetBufferSize(128))
}

// renderReport flattens an ordered-map report the way brokerctl prints it,
// for comparing against a golden layout in tests.
func renderReport(om *orderedmap.OrderedMap[string, string]) string {
	var out string
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		out += fmt.Sprintf("%s %s\n", pair.Key, pair.Value)
	}
	return out
}

func TestInfoReportLayoutMatchesGolden(t *testing.T) {
	c := newTestCore(t)
	report := renderReport(c.Info())

	expected := fmt.Sprintf(
		"version 1\nhandle_prefix sockptyr_\nbuffer_size_default 4096\ncompiled_watch_support 1\ncompiled_pty_support 1\ngoos %s\ngoarch %s\n",
		runtime.GOOS, runtime.GOARCH,
	)

	testutils.NewTextAsserter(t).
		WithOptions(testutils.WithTrimSpace(true)).
		Assert(report, expected)
}
