package ipcserver

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerPIDFromUnixConnResolvesDialingProcess(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer client.Close()

	serverSide := <-accepted
	defer serverSide.Close()

	pid, err := peerPIDFromUnixConn(serverSide.(*net.UnixConn))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
}

func TestPeerPIDFromUnixConnFailsOnClosedConn(t *testing.T) {
	// A closed connection has no valid file descriptor left to query.
	sockPath := filepath.Join(t.TempDir(), "test2.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	client.Close()

	_, err = peerPIDFromUnixConn(client.(*net.UnixConn))
	require.Error(t, err)
}
