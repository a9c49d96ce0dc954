// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"context"
	"net"
	"sync"
)

// AcceptFunc is the callback a [ConsensusEngine] installs via
// [*transportAdapter.Listen] to receive inbound peer-replication streams,
// matching §4.5's accept-callback signature `(identity, address, stream)`.
type AcceptFunc func(peerID uint64, peerAddress string, stream net.Conn)

// ConsensusEngine is the external collaborator this module drives but does
// not implement (§1: "the consensus algorithm itself ... a library"). The
// default implementation, [newEtcdRaftEngine], wraps
// [go.etcd.io/etcd/raft/v3].
type ConsensusEngine interface {
	// Start begins running the engine against transport. Start must not
	// block past the point where the engine is ready to accept Step and
	// Propose calls.
	Start(ctx context.Context, transport Transport) error

	// Step hands an inbound message to the engine.
	Step(ctx context.Context, msg []byte) error

	// Propose submits data to be replicated.
	Propose(ctx context.Context, data []byte) error

	// Close stops the engine and releases its resources.
	Close() error
}

// Transport is the four-operation contract a [ConsensusEngine] consumes
// (§4.5), implemented by [*transportAdapter] on top of the
// [*connectDispatcher] and the node's bind address.
type Transport interface {
	// Initialize stores selfID and selfAddress. Idempotent; called once
	// before Listen.
	Initialize(selfID uint64, selfAddress string) error

	// Listen installs accept as the callback for inbound peer streams.
	// All further peer streams that pass the inbound handshake are
	// delivered via accept. If accept is nil at delivery time (post-Close),
	// the stream is closed instead.
	Listen(accept AcceptFunc) error

	// Connect dials peerAddress and performs the outbound handshake in the
	// background, then invokes complete on the loop goroutine with the
	// resulting stream, or a nil stream and an error.
	Connect(ctx context.Context, peerID uint64, peerAddress string, complete func(stream net.Conn, err error))

	// Close invokes onClose synchronously; any further accept deliveries
	// become close-and-drop.
	Close(onClose func()) error
}

// transportAdapter is the Transport Adapter (§4.5): it bridges the
// [ConsensusEngine] to the byte-stream network via the loop goroutine's
// outcome channel and the [*connectDispatcher].
type transportAdapter struct {
	mu sync.Mutex

	selfID      uint64
	selfAddress string
	initialized bool

	accept AcceptFunc
	closed bool

	dispatcher *connectDispatcher
}

var _ Transport = &transportAdapter{}

// newTransportAdapter returns a [*transportAdapter] backed by dispatcher.
func newTransportAdapter(dispatcher *connectDispatcher) *transportAdapter {
	return &transportAdapter{dispatcher: dispatcher}
}

// Initialize implements [Transport].
func (t *transportAdapter) Initialize(selfID uint64, selfAddress string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return nil
	}
	t.selfID = selfID
	t.selfAddress = selfAddress
	t.initialized = true
	return nil
}

// Listen implements [Transport].
func (t *transportAdapter) Listen(accept AcceptFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accept = accept
	return nil
}

// Connect implements [Transport]. The actual dial and handshake run on a
// background goroutine via [*connectDispatcher.Dispatch]; complete is
// invoked later, when the loop goroutine drains the dispatcher's outcomes
// channel (see [*Node.run]).
func (t *transportAdapter) Connect(ctx context.Context, peerID uint64, peerAddress string, complete func(stream net.Conn, err error)) {
	t.mu.Lock()
	selfID, selfAddress := t.selfID, t.selfAddress
	t.mu.Unlock()

	t.dispatcher.Dispatch(ctx, peerAddress, selfID, selfAddress, complete)
}

// Close implements [Transport].
func (t *transportAdapter) Close(onClose func()) error {
	t.mu.Lock()
	t.closed = true
	t.accept = nil
	t.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

// raftProxyAccept is the Transport Adapter's contract for externally
// delivered streams (§4.5's "inbound demultiplex"): the listener's inbound
// demultiplexer (built on cmux) hands a stream here once it has identified
// it as peer-replication traffic, by peerID/peerAddress read from the
// stream's connect control message. raftProxyAccept forwards it to the
// stored accept callback, or closes it if none is set (post-stop).
func (t *transportAdapter) raftProxyAccept(peerID uint64, peerAddress string, stream net.Conn) {
	t.mu.Lock()
	accept := t.accept
	closed := t.closed
	t.mu.Unlock()

	if closed || accept == nil {
		stream.Close()
		return
	}
	accept(peerID, peerAddress, stream)
}
