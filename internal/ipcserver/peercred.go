package ipcserver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerPIDFromUnixConn reads SO_PEERCRED off a connected unix-domain
// socket to recover the PID of the process on the other end, per
// AccessControlManager.resolve_peer's unix-socket path.
func peerPIDFromUnixConn(uc *net.UnixConn) (int, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("ipcserver: syscall conn: %w", err)
	}

	var (
		cred *unix.Ucred
		cerr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if cerr != nil {
		return 0, fmt.Errorf("ipcserver: getsockopt SO_PEERCRED: %w", cerr)
	}
	return int(cred.Pid), nil
}
