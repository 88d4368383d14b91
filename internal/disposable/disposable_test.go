package disposable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReleaseArmsTimerAndFires(t *testing.T) {
	fired := make(chan struct{})
	d := New(10*time.Millisecond, func() { close(fired) })

	d.Acquire()
	d.Release()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("onIdle did not fire")
	}
}

func TestAcquireDisarmsPendingTimer(t *testing.T) {
	fired := make(chan struct{})
	d := New(20*time.Millisecond, func() { close(fired) })

	d.Acquire()
	d.Release()
	d.Acquire() // re-held before the timer fires

	select {
	case <-fired:
		t.Fatal("onIdle fired despite a re-acquired handle")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestZeroTimeoutNeverFires(t *testing.T) {
	fired := make(chan struct{})
	d := New(0, func() { close(fired) })

	d.Acquire()
	d.Release()

	select {
	case <-fired:
		t.Fatal("onIdle fired despite zero timeout")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelPermanentlyDisarms(t *testing.T) {
	fired := make(chan struct{})
	d := New(10*time.Millisecond, func() { close(fired) })

	d.Acquire()
	d.Release()
	d.Cancel()

	select {
	case <-fired:
		t.Fatal("onIdle fired after Cancel")
	case <-time.After(50 * time.Millisecond):
	}

	// Even a further Release (handles already 0) must not re-arm.
	d.Release()
	select {
	case <-fired:
		t.Fatal("onIdle fired after Cancel following a stray Release")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleCountTracksAcquireRelease(t *testing.T) {
	d := New(time.Second, nil)
	require.Equal(t, 0, d.HandleCount())

	d.Acquire()
	d.Acquire()
	require.Equal(t, 2, d.HandleCount())

	d.Release()
	require.Equal(t, 1, d.HandleCount())

	d.Release()
	require.Equal(t, 0, d.HandleCount())
}

func TestReleaseWithoutAcquireDoesNotUnderflow(t *testing.T) {
	d := New(time.Second, nil)
	d.Release()
	require.Equal(t, 0, d.HandleCount())
}
