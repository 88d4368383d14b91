package pluginhost

import (
	"testing"
	"time"

	"github.com/roelfdiedericks/ssod/internal/errs"
	"github.com/roelfdiedericks/ssod/internal/eventloop"
	"github.com/roelfdiedericks/ssod/internal/variant"
	"github.com/stretchr/testify/require"
)

func TestGetProxyUnknownMethod(t *testing.T) {
	loop := eventloop.New(4)
	defer loop.Stop()
	h := New(loop)

	_, err := h.GetProxy("nope")
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestGetProxyReturnsSameProxyUntilDead(t *testing.T) {
	loop := eventloop.New(4)
	defer loop.Stop()
	h := New(loop)
	h.RegisterMethod("password", MethodSpec{Mechanisms: []string{"password"}, Spawn: fakeWorkerConfig("password")})

	p1, err := h.GetProxy("password")
	require.NoError(t, err)
	p2, err := h.GetProxy("password")
	require.NoError(t, err)
	require.Same(t, p1, p2)

	p1.Evict()

	p3, err := h.GetProxy("password")
	require.NoError(t, err)
	require.NotSame(t, p1, p3)
}

func TestMethodsListsRegistered(t *testing.T) {
	loop := eventloop.New(4)
	defer loop.Stop()
	h := New(loop)
	h.RegisterMethod("password", MethodSpec{})
	h.RegisterMethod("oauth2", MethodSpec{})

	require.ElementsMatch(t, []string{"password", "oauth2"}, h.Methods())
}

func TestShutdownEvictsEveryProxy(t *testing.T) {
	withHelperProcessEnv(t)
	loop := eventloop.New(4)
	defer loop.Stop()
	h := New(loop)
	h.RegisterMethod("password", MethodSpec{Spawn: fakeWorkerConfig("password")})

	p, err := h.GetProxy("password")
	require.NoError(t, err)

	done := make(chan struct{})
	p.Submit("sess-1", "password", variant.Dict{}, func(variant.Dict, error) { close(done) }, func(string, string) {})
	awaitReady(t, done)

	h.Shutdown()
	require.True(t, p.IsDead())
}

func TestStartSweepEvictsPastIdleTimeout(t *testing.T) {
	loop := eventloop.New(4)
	defer loop.Stop()
	h := New(loop)
	h.RegisterMethod("password", MethodSpec{IdleTimeout: 10 * time.Millisecond})

	p, err := h.GetProxy("password")
	require.NoError(t, err)

	stop := h.StartSweep(20 * time.Millisecond)
	defer stop()

	require.Eventually(t, p.IsDead, 2*time.Second, 10*time.Millisecond)
}
