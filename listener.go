// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"net"

	"github.com/soheilhy/cmux"
)

// listenBacklog is the fixed small backlog size of 128 for new listeners
// (§4.2). No listener in this package passes it to the socket:
// [*Node.SetBindAddress] listens through [net.ListenConfig], which uses the
// operating system's default backlog.
const listenBacklog = 128

// Listener owns a bound, listening stream socket and demultiplexes its
// accepted streams into client traffic and peer-replication traffic
// (§4.2, §4.5's "inbound demultiplex").
//
// The demultiplex itself is built on [cmux.CMux]: peer-replication streams
// are identified by [handshakePreface] appearing first on the wire;
// everything else is treated as a client connection by default, matching
// §4.5's "a newly accepted stream is treated as a client connection by
// default."
//
// A stream reaches either sub-listener only after its first
// len(handshakePreface) bytes have arrived or it has reached end of file:
// a peer that connects and sends nothing is not delivered, and so is not
// registered as a [Connection].
type Listener struct {
	raw    net.Listener
	mux    cmux.CMux
	client net.Listener
	peer   net.Listener

	// BindAddress is the parsed form of the address this listener is bound
	// to, set by [newListener].
	BindAddress *bindAddress
}

// newListener wraps raw, a socket already bound by [*Node.SetBindAddress],
// with cmux-based demultiplexing.
func newListener(raw net.Listener, addr *bindAddress) *Listener {
	mux := cmux.New(raw)
	peer := mux.Match(cmux.PrefixMatcher(handshakePreface))
	client := mux.Match(cmux.Any())
	return &Listener{raw: raw, mux: mux, client: client, peer: peer, BindAddress: addr}
}

// Serve begins demultiplexing accepted streams. It blocks until the
// underlying listener is closed, at which point it returns the error the
// underlying Accept reported (wrapping [net.ErrClosed]).
//
// Per §4.2, the listener begins accepting only after the loop has started:
// [*Node.run] starts Serve on its own goroutine after posting the ready
// signal.
func (l *Listener) Serve() error {
	return l.mux.Serve()
}

// Addr returns the listener's effective bound address.
func (l *Listener) Addr() net.Addr {
	return l.raw.Addr()
}

// Close closes the underlying socket, which unblocks Serve and any pending
// Accept calls on the client/peer sub-listeners.
func (l *Listener) Close() error {
	return l.raw.Close()
}
