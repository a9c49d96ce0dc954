// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"golang.org/x/sync/errgroup"
)

// Default tuning, per §6: election timeout 3000ms, heartbeat timeout 500ms,
// snapshot threshold 1024 entries, snapshot trailing 8192 entries.
const (
	defaultElectionMillis  = 3000
	defaultHeartbeatMillis = 500
	snapshotThreshold      = 1024
	snapshotTrailing       = 8192
)

// peerLink is the outbound connection state etcdRaftEngine keeps per peer,
// lazily established via [Transport.Connect] and reused across messages.
type peerLink struct {
	mu      sync.Mutex
	address string
	conn    net.Conn
	dialing bool
	queue   []*raftpb.Message
}

// etcdRaftEngine is the default [ConsensusEngine], wrapping
// [go.etcd.io/etcd/raft/v3]. It owns an in-memory [raft.MemoryStorage]; a
// deployment that needs durable consensus state across restarts supplies
// its own [ConsensusEngine] backed by on-disk storage instead.
type etcdRaftEngine struct {
	id              uint64
	peers           []raft.Peer
	fsm             ReplicationFSM
	logger          SLogger
	errClassifier   ErrClassifier
	heartbeatMillis int
	electionMillis  int

	storage *raft.MemoryStorage

	mu        sync.Mutex
	node      raft.Node
	transport Transport
	confState raftpb.ConfState
	peerAddrs map[uint64]string
	links     map[uint64]*peerLink

	appliedIndex  uint64
	snapshotIndex uint64

	stopCh chan struct{}
	group  *errgroup.Group
}

var _ ConsensusEngine = &etcdRaftEngine{}

// newEtcdRaftEngine returns a [*etcdRaftEngine] for a single-voter cluster
// consisting of id alone. Use [*etcdRaftEngine.AddPeer] before [Start] to
// add peers as part of bootstrap or recovery (§4.7's bootstrap/recover).
func newEtcdRaftEngine(id uint64, fsm ReplicationFSM, cfg *Config, heartbeatMillis, electionMillis int) *etcdRaftEngine {
	return &etcdRaftEngine{
		id:              id,
		peers:           []raft.Peer{{ID: id}},
		fsm:             fsm,
		logger:          cfg.Logger,
		errClassifier:   cfg.ErrClassifier,
		heartbeatMillis: heartbeatMillis,
		electionMillis:  electionMillis,
		storage:         raft.NewMemoryStorage(),
		peerAddrs:       make(map[uint64]string),
		links:           make(map[uint64]*peerLink),
		stopCh:          make(chan struct{}),
	}
}

// AddPeer registers peerID/address as part of the cluster configuration,
// for use by bootstrap or [*Node.Recover] before [Start] is called.
func (e *etcdRaftEngine) AddPeer(peerID uint64, address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerAddrs[peerID] = address
	for _, p := range e.peers {
		if p.ID == peerID {
			return
		}
	}
	e.peers = append(e.peers, raft.Peer{ID: peerID})
}

// Start implements [ConsensusEngine].
func (e *etcdRaftEngine) Start(ctx context.Context, transport Transport) error {
	heartbeatTicks := 1
	electionTicks := e.electionMillis / e.heartbeatMillis
	if electionTicks < 2 {
		electionTicks = 2
	}

	e.mu.Lock()
	e.transport = transport
	raftCfg := &raft.Config{
		ID:              e.id,
		ElectionTick:    electionTicks,
		HeartbeatTick:   heartbeatTicks,
		Storage:         e.storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
	}
	e.node = raft.StartNode(raftCfg, e.peers)
	e.mu.Unlock()

	if err := transport.Listen(e.handlePeerStream); err != nil {
		return newGenericError("etcdRaftEngine.Start", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return e.runTicker(gctx) })
	group.Go(func() error { return e.runLoop(gctx) })
	e.group = group
	return nil
}

// Step implements [ConsensusEngine]. msg is a gob-encoded [raftpb.Message],
// as produced by [writeRaftMessage]'s payload half.
func (e *etcdRaftEngine) Step(ctx context.Context, msg []byte) error {
	var m raftpb.Message
	if err := gob.NewDecoder(bytes.NewReader(msg)).Decode(&m); err != nil {
		return newGenericError("etcdRaftEngine.Step", err)
	}
	e.mu.Lock()
	node := e.node
	e.mu.Unlock()
	return node.Step(ctx, m)
}

// Propose implements [ConsensusEngine].
func (e *etcdRaftEngine) Propose(ctx context.Context, data []byte) error {
	e.mu.Lock()
	node := e.node
	e.mu.Unlock()
	return node.Propose(ctx, data)
}

// Close implements [ConsensusEngine].
func (e *etcdRaftEngine) Close() error {
	close(e.stopCh)

	e.mu.Lock()
	node := e.node
	for _, link := range e.links {
		link.mu.Lock()
		if link.conn != nil {
			link.conn.Close()
		}
		link.mu.Unlock()
	}
	e.mu.Unlock()

	if node != nil {
		node.Stop()
	}
	if e.group != nil {
		_ = e.group.Wait()
	}
	return nil
}

// runTicker drives the engine's notion of elapsed time, per the tick
// mapping documented in the design notes this package implements:
// HeartbeatTick is always 1 and the ticker itself fires once per heartbeat
// duration, so wall-clock election/heartbeat timeouts match the configured
// millisecond values regardless of the tick ratio in effect.
func (e *etcdRaftEngine) runTicker(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(e.heartbeatMillis) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.node.Tick()
		case <-ctx.Done():
			return nil
		case <-e.stopCh:
			return nil
		}
	}
}

// runLoop drains [raft.Node.Ready] and applies its effects: persisting the
// hard state and new entries, dispatching outbound messages, applying
// committed entries to the FSM, and triggering snapshots once the applied
// log has grown past the snapshot threshold.
func (e *etcdRaftEngine) runLoop(ctx context.Context) error {
	for {
		select {
		case rd := <-e.node.Ready():
			if !raft.IsEmptyHardState(rd.HardState) {
				if err := e.storage.SetHardState(rd.HardState); err != nil {
					return newGenericError("etcdRaftEngine.runLoop", err)
				}
			}
			if !raft.IsEmptySnap(rd.Snapshot) {
				if err := e.storage.ApplySnapshot(rd.Snapshot); err != nil {
					return newGenericError("etcdRaftEngine.runLoop", err)
				}
				if err := e.fsm.Restore(rd.Snapshot.Data); err != nil {
					return newGenericError("etcdRaftEngine.runLoop", err)
				}
			}
			if len(rd.Entries) > 0 {
				if err := e.storage.Append(rd.Entries); err != nil {
					return newGenericError("etcdRaftEngine.runLoop", err)
				}
			}

			for i := range rd.Messages {
				e.send(ctx, &rd.Messages[i])
			}

			e.applyCommitted(rd.CommittedEntries)
			e.maybeSnapshot()

			e.node.Advance()

		case <-ctx.Done():
			return nil
		case <-e.stopCh:
			return nil
		}
	}
}

// applyCommitted applies newly committed normal entries to the FSM and
// applies configuration changes to the raft node itself.
func (e *etcdRaftEngine) applyCommitted(entries []raftpb.Entry) {
	if len(entries) == 0 {
		return
	}

	normal := make([]raftpb.Entry, 0, len(entries))
	for _, entry := range entries {
		switch entry.Type {
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err == nil {
				e.mu.Lock()
				e.confState = *e.node.ApplyConfChange(cc)
				e.mu.Unlock()
			}
		default:
			normal = append(normal, entry)
		}
	}

	if len(normal) > 0 {
		if err := e.fsm.Apply(normal); err != nil {
			e.logger.Info("fsmApplyFailed",
				slog.Any("err", err),
				slog.String("errClass", e.errClassifier.Classify(err)),
			)
		}
	}

	e.appliedIndex = entries[len(entries)-1].Index
}

// maybeSnapshot triggers a snapshot once the applied log has grown past
// the snapshot threshold, then compacts the log keeping the most recent
// snapshotTrailing entries — the Go rendering of
// raft_set_snapshot_threshold/raft_set_snapshot_trailing.
func (e *etcdRaftEngine) maybeSnapshot() {
	if e.appliedIndex <= e.snapshotIndex || e.appliedIndex-e.snapshotIndex <= snapshotThreshold {
		return
	}

	data, err := e.fsm.Snapshot()
	if err != nil {
		return
	}

	e.mu.Lock()
	confState := e.confState
	e.mu.Unlock()

	snap, err := e.storage.CreateSnapshot(e.appliedIndex, &confState, data)
	if err != nil {
		return
	}

	compactIndex := uint64(1)
	if e.appliedIndex > snapshotTrailing {
		compactIndex = e.appliedIndex - snapshotTrailing
	}
	_ = e.storage.Compact(compactIndex)
	e.snapshotIndex = snap.Metadata.Index
}

// handlePeerStream is installed as the [Transport]'s [AcceptFunc]: it reads
// framed [raftpb.Message]s off an inbound peer stream until the stream
// closes or a frame fails to decode, feeding each one to [raft.Node.Step].
func (e *etcdRaftEngine) handlePeerStream(peerID uint64, peerAddress string, stream net.Conn) {
	e.mu.Lock()
	e.peerAddrs[peerID] = peerAddress
	e.mu.Unlock()

	go func() {
		defer stream.Close()
		for {
			m, err := readRaftMessage(stream)
			if err != nil {
				return
			}
			e.mu.Lock()
			node := e.node
			e.mu.Unlock()
			if node == nil {
				return
			}
			if err := node.Step(context.Background(), *m); err != nil {
				return
			}
		}
	}()
}

// send delivers m to its destination peer, dialing lazily through the
// [Transport] and reusing the resulting connection for subsequent
// messages to the same peer.
func (e *etcdRaftEngine) send(ctx context.Context, m *raftpb.Message) {
	e.mu.Lock()
	link, ok := e.links[m.To]
	if !ok {
		address, known := e.peerAddrs[m.To]
		if !known {
			e.mu.Unlock()
			return
		}
		link = &peerLink{address: address}
		e.links[m.To] = link
	}
	transport := e.transport
	e.mu.Unlock()

	link.mu.Lock()
	defer link.mu.Unlock()

	if link.conn != nil {
		if err := writeRaftMessage(link.conn, m); err == nil {
			return
		}
		link.conn.Close()
		link.conn = nil
	}

	link.queue = append(link.queue, m)
	if link.dialing {
		return
	}
	link.dialing = true

	peerID, address := m.To, link.address
	transport.Connect(ctx, peerID, address, func(conn net.Conn, err error) {
		link.mu.Lock()
		defer link.mu.Unlock()

		link.dialing = false
		if err != nil {
			e.logger.Info("raftDialFailed",
				slog.Uint64("peer", peerID),
				slog.Any("err", err),
				slog.String("errClass", e.errClassifier.Classify(err)),
			)
			link.queue = nil
			return
		}

		for _, queued := range link.queue {
			if werr := writeRaftMessage(conn, queued); werr != nil {
				conn.Close()
				link.queue = nil
				return
			}
		}
		link.queue = nil
		link.conn = conn
	})
}

// heartbeatElectionMillis derives the heartbeat/election timeouts from a
// caller-supplied latency in nanoseconds, per §4.7's set_network_latency:
// heartbeat = 1.5·ms, election = 15·ms.
func heartbeatElectionMillis(latencyNanos int64) (heartbeatMillis, electionMillis int, err error) {
	const minLatencyNanos = 500_000
	if latencyNanos < minLatencyNanos {
		return 0, 0, fmt.Errorf("network latency %dns below minimum %dns", latencyNanos, minLatencyNanos)
	}
	ms := float64(latencyNanos) / 1e6
	return int(1.5 * ms), int(15 * ms), nil
}
