// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/bassosimone/safeconn"
)

// intakeFilter applies the Intake Filter policy (§4.3) to every stream the
// [*Listener] hands it: local-domain streams from a different process are
// rejected, and everything else becomes a [Connection] registered in the
// [ConnectionRegistry] — except peer-replication streams, which are
// detached and forwarded to the [*transportAdapter] instead (§4.5's
// inbound demultiplex).
//
// Accepted client streams are wrapped through the observe/cancel-watch
// [Func] pair before becoming a [Connection]: [*ObserveConnFunc] gives
// every client connection the same I/O logging peer connections get from
// [*connectDispatcher], and [*CancelWatchFunc] binds the stream's lifetime
// to the run loop's context so [*Node.Stop] closes it immediately.
type intakeFilter struct {
	listener  *Listener
	registry  *ConnectionRegistry
	transport *transportAdapter
	cfg       *Config
	logger    SLogger
	observe   *ObserveConnFunc
	watch     *CancelWatchFunc
	ctx       context.Context
}

// newIntakeFilter returns a [*intakeFilter] wired to listener, registry,
// and transport. The run loop context is installed later, via setContext,
// once [*Node.run] has one to give.
func newIntakeFilter(listener *Listener, registry *ConnectionRegistry, transport *transportAdapter, cfg *Config, logger SLogger) *intakeFilter {
	return &intakeFilter{
		listener:  listener,
		registry:  registry,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		observe:   NewObserveConnFunc(cfg, logger),
		watch:     NewCancelWatchFunc(),
		ctx:       context.Background(),
	}
}

// setContext installs ctx as the lifetime every subsequently accepted
// client stream is cancel-watched against.
func (f *intakeFilter) setContext(ctx context.Context) {
	f.ctx = ctx
}

// acceptClients accepts client streams until the listener closes. The cmux
// sub-listener reports an error only once the listener or its demultiplexer
// has closed, so any accept error is logged and ends the loop.
func (f *intakeFilter) acceptClients() {
	for {
		conn, err := f.listener.client.Accept()
		if err != nil {
			f.logger.Info("listenerClientAcceptDone",
				slog.Any("err", err),
				slog.String("errClass", f.cfg.ErrClassifier.Classify(err)),
			)
			return
		}
		f.intakeClient(conn)
	}
}

// intakeClient implements §4.3's per-stream policy for client connections.
func (f *intakeFilter) intakeClient(conn net.Conn) {
	if f.listener.BindAddress.IsLocal && !sameProcessPeer(conn) {
		f.logger.Info("intakeRejectedCrossProcessPeer",
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		)
		conn.Close()
		return
	}

	stream, err := f.observe.Call(f.ctx, conn)
	if err != nil {
		conn.Close()
		return
	}
	stream, err = f.watch.Call(f.ctx, stream)
	if err != nil {
		conn.Close()
		return
	}

	c := NewConnection(stream, f.registry, f.logger, f.cfg.ErrClassifier)
	c.Start()
}

// acceptPeers accepts peer-replication streams (those whose first bytes
// matched [handshakePreface]) until the listener closes.
func (f *intakeFilter) acceptPeers() {
	for {
		conn, err := f.listener.peer.Accept()
		if err != nil {
			f.logger.Info("listenerPeerAcceptDone",
				slog.Any("err", err),
				slog.String("errClass", f.cfg.ErrClassifier.Classify(err)),
			)
			return
		}
		go f.intakePeer(conn)
	}
}

// intakePeer consumes the handshake preface and connect control message
// off conn, then forwards it to the transport adapter's accept callback
// via [*transportAdapter.raftProxyAccept].
func (f *intakeFilter) intakePeer(conn net.Conn) {
	preface := make([]byte, len(handshakePreface))
	if _, err := io.ReadFull(conn, preface); err != nil || string(preface) != handshakePreface {
		conn.Close()
		return
	}

	msg, err := readConnectMessage(conn)
	if err != nil {
		conn.Close()
		return
	}

	f.transport.raftProxyAccept(msg.PeerID, msg.PeerAddress, conn)
}
