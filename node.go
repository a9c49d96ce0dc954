// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// NodeInfo names one member of a cluster configuration, as supplied to
// [*Node.Recover].
type NodeInfo struct {
	ID      uint64
	Address string
}

// Node is the Node Controller (§4.7): the outermost object owning the
// listener, the connection registry, the transport adapter, and the
// consensus engine, and coordinating their startup and shutdown.
//
// All exported methods are safe to call concurrently with each other; the
// preconditions in each method's doc comment describe when a call instead
// returns a misuse error.
type Node struct {
	mu sync.Mutex

	id      uint64
	address string
	dataDir string
	vfs     VFS
	cfg     *Config

	heartbeatMillis int
	electionMillis  int

	started  bool
	running  bool
	startErr error

	bindAddr    *bindAddress
	bindAddrStr string

	rawListener net.Listener
	listener    *Listener
	registry    *ConnectionRegistry
	dispatcher  *connectDispatcher
	transport   *transportAdapter
	intake      *intakeFilter
	engine      *etcdRaftEngine

	cancel   context.CancelFunc
	group    *errgroup.Group
	readyCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// Create allocates and initializes a [*Node] (§4.7's create). id is the
// node's cluster identity and must be at least 1; address is the node's
// self-address, advertised to peers and distinct from the socket address
// later installed by [*Node.SetBindAddress] (a node may sit behind a proxy
// or NAT). dataDir is stored on the node and not otherwise used by this
// package. A nil vfs defaults to [NopVFS];
// a nil cfg defaults to [NewConfig].
func Create(id uint64, address, dataDir string, vfs VFS, cfg *Config) (*Node, error) {
	const op = "Node.Create"
	if id < 1 {
		return nil, newMisuseError(op, fmt.Errorf("identity must be >= 1, got %d", id))
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	if vfs == nil {
		vfs = NopVFS{}
	}

	fsm := newMapFSM()
	engine := newEtcdRaftEngine(id, fsm, cfg, defaultHeartbeatMillis, defaultElectionMillis)

	return &Node{
		id:              id,
		address:         address,
		dataDir:         dataDir,
		vfs:             vfs,
		cfg:             cfg,
		heartbeatMillis: defaultHeartbeatMillis,
		electionMillis:  defaultElectionMillis,
		registry:        NewConnectionRegistry(),
		engine:          engine,
		readyCh:         make(chan struct{}),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// SetBindAddress parses addr, binds a listening socket for it, and stores
// the effective bound address string (§4.7's set_bind_address).
//
// Precondition: the node must not be started.
func (n *Node) SetBindAddress(ctx context.Context, addr string) error {
	const op = "Node.SetBindAddress"
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return newMisuseError(op, fmt.Errorf("node already started"))
	}

	parsed, err := ParseBindAddress(addr)
	if err != nil {
		return err
	}

	network := "tcp"
	listenAddr := parsed.Network
	if parsed.IsLocal {
		network = "unix"
		listenAddr = "@" + parsed.LocalPath
		if parsed.LocalPath == "" {
			// An empty name tells the kernel to autobind: it assigns an
			// abstract path, retrieved below from raw.Addr(). Passing "@"
			// instead would bind the literal one-byte abstract name.
			listenAddr = ""
		}
	}

	var lc net.ListenConfig
	raw, err := lc.Listen(ctx, network, listenAddr)
	if err != nil {
		return newGenericError(op, err)
	}

	effective := raw.Addr().String()
	var bound *bindAddress
	if parsed.IsLocal {
		bound = &bindAddress{IsLocal: true, LocalPath: effective[1:]}
	} else {
		bound = &bindAddress{Network: effective}
	}

	n.bindAddr = bound
	n.bindAddrStr = effective
	n.rawListener = raw
	n.listener = newListener(raw, n.bindAddr)
	n.dispatcher = newConnectDispatcher(n.cfg, network, n.cfg.Logger)
	n.transport = newTransportAdapter(n.dispatcher)
	n.intake = newIntakeFilter(n.listener, n.registry, n.transport, n.cfg, n.cfg.Logger)

	n.cfg.Logger.Info("bindAddressSet", slog.Uint64("id", n.id), slog.String("bindAddress", effective))
	return nil
}

// GetBindAddress returns the stored effective bind address string, or the
// empty string if [*Node.SetBindAddress] has not been called yet.
func (n *Node) GetBindAddress() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bindAddrStr
}

// SetConnectFunc installs dialer as the node's outbound dialer (§4.7's
// set_connect_func).
//
// Precondition: the node must not be started.
func (n *Node) SetConnectFunc(dialer Dialer) error {
	const op = "Node.SetConnectFunc"
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return newMisuseError(op, fmt.Errorf("node already started"))
	}

	n.cfg.Dialer = dialer
	if n.dispatcher != nil {
		n.dispatcher.connect.Dialer = dialer
	}
	return nil
}

// SetNetworkLatency derives heartbeat/election timeouts from latencyNanos
// (§4.7's set_network_latency): heartbeat becomes 1.5x the millisecond
// value, election becomes 15x.
//
// Precondition: the node must not be started; latencyNanos must be at
// least 500000 (500us).
func (n *Node) SetNetworkLatency(latencyNanos int64) error {
	const op = "Node.SetNetworkLatency"
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return newMisuseError(op, fmt.Errorf("node already started"))
	}

	heartbeat, election, err := heartbeatElectionMillis(latencyNanos)
	if err != nil {
		return newMisuseError(op, err)
	}

	n.heartbeatMillis = heartbeat
	n.electionMillis = election
	n.engine.heartbeatMillis = heartbeat
	n.engine.electionMillis = election
	return nil
}

// Recover replaces the cluster configuration the consensus engine starts
// with by infos (§4.7's recover), for hand-reforming a cluster after a
// majority loss.
//
// Precondition: the node must not be started; infos must not be empty.
func (n *Node) Recover(infos []NodeInfo) error {
	const op = "Node.Recover"
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return newMisuseError(op, fmt.Errorf("node already started"))
	}
	if len(infos) == 0 {
		return newGenericError(op, fmt.Errorf("recover requires at least one node"))
	}

	n.engine.mu.Lock()
	n.engine.peers = nil
	n.engine.peerAddrs = make(map[uint64]string)
	n.engine.mu.Unlock()
	for _, info := range infos {
		n.engine.AddPeer(info.ID, info.Address)
	}
	return nil
}

// Start runs the bootstrap-if-identity-1 step, spawns the node's run
// loop, and blocks until the loop signals readiness (§4.7's start
// protocol).
//
// Precondition: [*Node.SetBindAddress] must have been called.
func (n *Node) Start(ctx context.Context) error {
	const op = "Node.Start"
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return newMisuseError(op, fmt.Errorf("node already started"))
	}
	if n.listener == nil {
		n.mu.Unlock()
		return newMisuseError(op, fmt.Errorf("bind address not set"))
	}
	n.started = true
	n.mu.Unlock()

	if n.id == 1 {
		// Bootstrap a single-voter configuration consisting of self.
		// newEtcdRaftEngine already seeds the peer set with self, so this
		// is inherently idempotent: re-bootstrapping is a no-op, matching
		// the "already bootstrapped is silently tolerated" rule.
		n.cfg.Logger.Info("bootstrapSingleVoter", slog.Uint64("id", n.id))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	group, gctx := errgroup.WithContext(runCtx)
	n.group = group
	group.Go(func() error {
		n.run(gctx)
		return nil
	})

	<-n.readyCh

	n.mu.Lock()
	running := n.running
	startErr := n.startErr
	n.mu.Unlock()

	if !running {
		return newGenericError(op, fmt.Errorf("node failed to start"))
	}
	if startErr != nil {
		return newGenericError(op, startErr)
	}
	return nil
}

// run is the node's run loop (§4.7 step 2, §5's single loop goroutine). It
// starts the consensus engine, posts the ready signal, begins accepting
// connections, and then alternates between delivering finished Pending
// Dials (draining [*connectDispatcher.Outcomes] on the loop thread, per
// §4.6's completion contract) and waiting for [*Node.Stop] to fire the
// async-wake channel.
func (n *Node) run(ctx context.Context) {
	defer close(n.doneCh)

	n.mu.Lock()
	n.running = true
	n.mu.Unlock()

	if err := n.transport.Initialize(n.id, n.address); err != nil {
		n.mu.Lock()
		n.startErr = err
		n.mu.Unlock()
	}

	if err := n.engine.Start(ctx, n.transport); err != nil {
		n.mu.Lock()
		n.startErr = err
		n.mu.Unlock()
		n.cfg.Logger.Info("consensusStartFailed",
			slog.Uint64("id", n.id),
			slog.Any("err", err),
			slog.String("errClass", n.cfg.ErrClassifier.Classify(err)),
		)
	}

	// Ready is posted here, after the consensus engine start attempt,
	// regardless of its outcome: a failed start still unblocks Start, which
	// then observes startErr and returns it.
	close(n.readyCh)

	n.intake.setContext(ctx)
	go n.intake.acceptClients()
	go n.intake.acceptPeers()
	go func() {
		if err := n.listener.Serve(); err != nil {
			n.cfg.Logger.Info("listenerServeDone",
				slog.Uint64("id", n.id),
				slog.Any("err", err),
				slog.String("errClass", n.cfg.ErrClassifier.Classify(err)),
			)
		}
	}()

	for {
		select {
		case out := <-n.dispatcher.Outcomes():
			out.deliver()
		case <-n.stopCh:
			n.registry.StopAll()
			_ = n.engine.Close()
			_ = n.listener.Close()
			n.drainOutcomes()
			return
		}
	}
}

// drainOutcomes delivers any Pending Dials that finished concurrently with
// stop, so their completion callbacks still run and close connections they
// have no further use for (§4.6: outstanding dials complete after stop).
func (n *Node) drainOutcomes() {
	for {
		select {
		case out := <-n.dispatcher.Outcomes():
			out.deliver()
		default:
			return
		}
	}
}

// Stop signals the node to stop and blocks until its run loop has exited
// (§4.7's stop protocol).
//
// Precondition: the node must be started. Calling Stop more than once is
// safe; the second and later calls return immediately once the first has
// finished.
func (n *Node) Stop() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()

	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
	if n.cancel != nil {
		n.cancel()
	}

	<-n.doneCh
	if n.group != nil {
		_ = n.group.Wait()
	}
}

// Destroy releases the node's resources, including closing its VFS
// (§4.7's destroy).
//
// Precondition: the node must be stopped or never started.
func (n *Node) Destroy() error {
	const op = "Node.Destroy"
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return newMisuseError(op, fmt.Errorf("node still running"))
	}
	if n.rawListener != nil {
		_ = n.rawListener.Close()
	}
	if n.vfs != nil {
		if err := n.vfs.Close(); err != nil {
			return newGenericError(op, err)
		}
	}
	return nil
}
