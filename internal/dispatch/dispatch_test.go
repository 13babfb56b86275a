package dispatch

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterReadableFiresOnWrite(t *testing.T) {
	loop, err := NewLoop(nil)
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan Mask, 1)
	require.NoError(t, loop.Register(int(r.Fd()), Readable, func(fd int, m Mask) {
		fired <- m
	}))

	go loop.Run()
	defer loop.Stop()

	_, err = w.Write([]byte("hi"))
	require.NoError(t, err)

	select {
	case m := <-fired:
		require.Equal(t, Readable, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readable event")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	loop, err := NewLoop(nil)
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan Mask, 4)
	require.NoError(t, loop.Register(int(r.Fd()), Readable, func(fd int, m Mask) {
		fired <- m
	}))
	require.NoError(t, loop.Unregister(int(r.Fd())))

	go loop.Run()
	defer loop.Stop()

	_, err = w.Write([]byte("hi"))
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("unregistered fd should not fire")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDeferredUnregisterDuringCallback(t *testing.T) {
	loop, err := NewLoop(nil)
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var calls int
	require.NoError(t, loop.Register(int(r.Fd()), Readable, func(fd int, m Mask) {
		calls++
		// Unregistering from inside the callback must not panic or corrupt
		// the registration map mid-iteration.
		_ = loop.Unregister(fd)
	}))

	go loop.Run()
	defer loop.Stop()

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls >= 1 }, 2*time.Second, 10*time.Millisecond)
}
