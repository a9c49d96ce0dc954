// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedNode(t *testing.T, id uint64, bindAddr string) *Node {
	t.Helper()
	n, err := Create(id, bindAddr, t.TempDir(), nil, NewConfig())
	require.NoError(t, err)
	require.NoError(t, n.SetBindAddress(context.Background(), bindAddr))
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		n.Stop()
		_ = n.Destroy()
	})
	return n
}

func TestNodeSingleNodeBootstrap(t *testing.T) {
	n, err := Create(1, "127.0.0.1:0", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)
	require.NoError(t, n.SetBindAddress(context.Background(), "127.0.0.1:0"))

	require.NoError(t, n.Start(context.Background()))
	defer func() {
		n.Stop()
		require.NoError(t, n.Destroy())
	}()

	addr := n.GetBindAddress()
	assert.NotEmpty(t, addr)
	assert.False(t, strings.HasPrefix(addr, "@"))
}

func TestNodeAutoLocalDomain(t *testing.T) {
	n, err := Create(1, "@", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)
	require.NoError(t, n.SetBindAddress(context.Background(), "@"))

	require.NoError(t, n.Start(context.Background()))
	defer func() {
		n.Stop()
		require.NoError(t, n.Destroy())
	}()

	addr := n.GetBindAddress()
	require.True(t, strings.HasPrefix(addr, "@"))
	assert.Greater(t, len(addr), 1)
}

func TestNodeMisuseAfterStart(t *testing.T) {
	n := newStartedNode(t, 1, "127.0.0.1:0")

	err := n.SetNetworkLatency(1_000_000_000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMisuse))

	err = n.SetBindAddress(context.Background(), "127.0.0.1:0")
	assert.True(t, errors.Is(err, ErrMisuse))

	err = n.SetConnectFunc(&net.Dialer{})
	assert.True(t, errors.Is(err, ErrMisuse))
}

func TestNodeBadLatency(t *testing.T) {
	n, err := Create(1, "127.0.0.1:0", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)

	err = n.SetNetworkLatency(100_000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMisuse))
}

func TestNodeNetworkLatencyDerivesTiming(t *testing.T) {
	n, err := Create(1, "127.0.0.1:0", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)

	require.NoError(t, n.SetNetworkLatency(2_000_000))
	assert.Equal(t, 3, n.heartbeatMillis)
	assert.Equal(t, 30, n.electionMillis)
}

func TestNodeCreateRejectsZeroIdentity(t *testing.T) {
	_, err := Create(0, "127.0.0.1:0", t.TempDir(), nil, NewConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMisuse))
}

func TestNodeStartWithoutBindAddressFails(t *testing.T) {
	n, err := Create(1, "127.0.0.1:0", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)

	err = n.Start(context.Background())
	assert.True(t, errors.Is(err, ErrMisuse))
}

// TestNodeLocalDomainAcceptsSameProcessPeer asserts the complement of the
// cross-process rejection invariant: a same-process connection over a
// local-domain bind address is registered normally. Exercising the actual
// rejection path requires a peer from a different OS process; that branch
// is covered at the unit level by TestIntakeClientLocalDomainRejectsNonUnixConn.
func TestNodeLocalDomainAcceptsSameProcessPeer(t *testing.T) {
	n := newStartedNode(t, 1, "@")
	addr := n.GetBindAddress()

	conn, err := net.Dial("unix", addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return n.registry.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestNodeRecoverRequiresStopped(t *testing.T) {
	n := newStartedNode(t, 1, "127.0.0.1:0")

	err := n.Recover([]NodeInfo{{ID: 1, Address: "127.0.0.1:9001"}})
	assert.True(t, errors.Is(err, ErrMisuse))
}

func TestNodeRecoverInstallsConfiguration(t *testing.T) {
	n1, err := Create(1, "127.0.0.1:9001", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)
	n2, err := Create(2, "127.0.0.1:9002", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)

	infos := []NodeInfo{{ID: 1, Address: "127.0.0.1:9001"}, {ID: 2, Address: "127.0.0.1:9002"}}
	require.NoError(t, n1.Recover(infos))
	require.NoError(t, n2.Recover(infos))

	assert.Len(t, n1.engine.peers, 2)
	assert.Len(t, n2.engine.peers, 2)
}

func TestNodeRecoverRequiresNonEmptyConfiguration(t *testing.T) {
	n, err := Create(1, "127.0.0.1:9001", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)

	err = n.Recover(nil)
	assert.True(t, errors.Is(err, ErrGeneric))
}

func TestNodeStartStopDestroyCycleLeavesNoConnections(t *testing.T) {
	n := newStartedNode(t, 1, "127.0.0.1:0")
	addr := n.GetBindAddress()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return n.registry.Len() == 1 }, time.Second, 10*time.Millisecond)

	n.Stop()
	require.NoError(t, n.Destroy())

	assert.Equal(t, 0, n.registry.Len())
}

func TestNodeDestroyWhileRunningFails(t *testing.T) {
	n, err := Create(1, "127.0.0.1:0", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)
	require.NoError(t, n.SetBindAddress(context.Background(), "127.0.0.1:0"))
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	err = n.Destroy()
	assert.True(t, errors.Is(err, ErrMisuse))
}

// TestTwoNodeClusterElectsLeader starts two nodes on real TCP listeners,
// each recovered with the other's bound address, and asserts the pair
// elects a leader: the end-to-end demonstration that outbound Pending
// Dials, once dispatched, actually complete and feed the consensus
// engine (§8's two-node scenario, Testable Property #9).
func TestTwoNodeClusterElectsLeader(t *testing.T) {
	n1, err := Create(1, "", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)
	require.NoError(t, n1.SetBindAddress(context.Background(), "127.0.0.1:0"))
	n1.address = n1.GetBindAddress()

	n2, err := Create(2, "", t.TempDir(), nil, NewConfig())
	require.NoError(t, err)
	require.NoError(t, n2.SetBindAddress(context.Background(), "127.0.0.1:0"))
	n2.address = n2.GetBindAddress()

	infos := []NodeInfo{{ID: 1, Address: n1.address}, {ID: 2, Address: n2.address}}
	require.NoError(t, n1.Recover(infos))
	require.NoError(t, n2.Recover(infos))

	// Shrink heartbeat/election timing so the election completes quickly.
	require.NoError(t, n1.SetNetworkLatency(1_000_000))
	require.NoError(t, n2.SetNetworkLatency(1_000_000))

	require.NoError(t, n1.Start(context.Background()))
	t.Cleanup(func() {
		n1.Stop()
		_ = n1.Destroy()
	})
	require.NoError(t, n2.Start(context.Background()))
	t.Cleanup(func() {
		n2.Stop()
		_ = n2.Destroy()
	})

	require.Eventually(t, func() bool {
		return n1.engine.node.Status().Lead != 0 && n2.engine.node.Status().Lead != 0
	}, 5*time.Second, 20*time.Millisecond, "expected the two-node cluster to elect a leader")
}
