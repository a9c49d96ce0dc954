//go:build !linux

// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import "net"

// sameProcessPeer always reports true outside Linux: cross-platform
// local-domain peer-credential semantics are a documented non-goal (§1),
// so non-Linux builds degrade to trusting local-domain peers.
func sameProcessPeer(conn net.Conn) bool {
	return true
}
