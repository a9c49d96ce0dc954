// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"context"
	"io"
	"net"
)

// dialOutcome is the result of a Pending Dial, delivered back to the loop
// goroutine for finalization (§4.5/§4.6: "the completion unit runs exactly
// once, on the loop thread, after the work unit has finished"). A nil conn
// means "no connection", matching §4.5's completion callback contract
// `(request, stream_or_null, status)`.
type dialOutcome struct {
	complete func(conn net.Conn, err error)
	conn     net.Conn
	err      error
}

// deliver invokes the completion callback. Must only be called from the
// loop goroutine.
func (o dialOutcome) deliver() {
	o.complete(o.conn, o.err)
}

// connectDispatcher is the Connect Dispatcher (§4.6): the worker-pool
// façade that runs the (possibly blocking) user-supplied dialer and the
// outbound handshake on a background goroutine, then hands the outcome
// back to the loop goroutine over a channel.
//
// The dial itself is a three-stage [Func] pipeline: [*ConnectFunc] opens
// the transport-level connection, [*ObserveConnFunc] wraps it for I/O
// logging, and [*CancelWatchFunc] binds its lifetime to the run loop's
// context so a stop tears down in-flight peer connections immediately
// instead of waiting on their next I/O timeout.
type connectDispatcher struct {
	connect  *ConnectFunc
	pipeline Func[string, net.Conn]

	outcomes chan dialOutcome
}

// newConnectDispatcher returns a [*connectDispatcher] configured from cfg.
//
// network must be either "tcp" or "unix", matching the bind address family
// this dispatcher will be used to dial peers over.
func newConnectDispatcher(cfg *Config, network string, logger SLogger) *connectDispatcher {
	connect := NewConnectFunc(cfg, network, logger)
	observe := NewObserveConnFunc(cfg, logger)
	watch := NewCancelWatchFunc()
	return &connectDispatcher{
		connect:  connect,
		pipeline: Compose3[string, net.Conn, net.Conn, net.Conn](connect, observe, watch),
		outcomes: make(chan dialOutcome, 64),
	}
}

// Outcomes returns the channel the loop goroutine selects on to learn about
// finished Pending Dials. Exactly one [dialOutcome] is sent per [Dispatch]
// call.
func (d *connectDispatcher) Outcomes() <-chan dialOutcome {
	return d.outcomes
}

// Dispatch enqueues a Pending Dial for address: it dials address, performs
// the outbound handshake (fixed preface, then a "connect" control message
// carrying selfID/selfAddress), and sends the resulting [dialOutcome] on
// the outcomes channel. On any failure the dialed connection, if any, is
// closed and the outcome carries a nil connection.
//
// Per §4.6, outstanding Pending Dials still complete after node stop; it is
// the completion callback's responsibility to close a non-nil connection
// it has no further use for.
func (d *connectDispatcher) Dispatch(ctx context.Context, address string, selfID uint64, selfAddress string, complete func(conn net.Conn, err error)) {
	go func() {
		conn, err := d.pipeline.Call(ctx, address)
		if err == nil {
			err = d.handshake(conn, selfID, selfAddress)
			if err != nil {
				conn.Close()
				conn = nil
			}
		}
		d.outcomes <- dialOutcome{complete: complete, conn: conn, err: err}
	}()
}

// handshake performs the outbound peer-replication handshake described in
// §4.5: a fixed preface, then a framed "connect" control message.
func (d *connectDispatcher) handshake(conn net.Conn, selfID uint64, selfAddress string) error {
	if _, err := io.WriteString(conn, handshakePreface); err != nil {
		return err
	}
	return writeConnectMessage(conn, connectMessage{PeerID: selfID, PeerAddress: selfAddress})
}
