//go:build linux

// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"net"
	"os"
	"syscall"

	"github.com/soheilhy/cmux"
	"golang.org/x/sys/unix"
)

// sameProcessPeer reports whether conn's peer is this same OS process, by
// querying SO_PEERCRED on the underlying Unix-domain socket. This is the
// capability check §4.3 and the design notes describe: "query the peer's
// process credentials and reject if the peer process is not the same
// process as the node."
//
// conn usually arrives wrapped in a [cmux.MuxConn] (the listener's inbound
// demultiplexer sniffs the first bytes before handing the stream off), so
// this first unwraps to the underlying [*net.UnixConn].
func sameProcessPeer(conn net.Conn) bool {
	if mc, ok := conn.(*cmux.MuxConn); ok {
		conn = mc.Conn
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return false
	}
	if credErr != nil || cred == nil {
		return false
	}

	return int(cred.Pid) == os.Getpid()
}
