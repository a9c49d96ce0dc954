// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportAdapterInitializeIdempotent(t *testing.T) {
	ta := newTransportAdapter(nil)
	require.NoError(t, ta.Initialize(1, "10.0.0.1:9001"))
	require.NoError(t, ta.Initialize(2, "10.0.0.2:9001"))

	assert.Equal(t, uint64(1), ta.selfID)
	assert.Equal(t, "10.0.0.1:9001", ta.selfAddress)
}

func TestTransportAdapterRaftProxyAcceptDeliversToCallback(t *testing.T) {
	ta := newTransportAdapter(nil)

	var gotID uint64
	var gotAddr string
	var gotStream net.Conn
	require.NoError(t, ta.Listen(func(peerID uint64, peerAddress string, stream net.Conn) {
		gotID, gotAddr, gotStream = peerID, peerAddress, stream
	}))

	server, client := net.Pipe()
	defer client.Close()
	ta.raftProxyAccept(7, "10.0.0.7:9001", server)

	assert.Equal(t, uint64(7), gotID)
	assert.Equal(t, "10.0.0.7:9001", gotAddr)
	assert.Equal(t, server, gotStream)
}

func TestTransportAdapterRaftProxyAcceptClosesWhenNoCallback(t *testing.T) {
	ta := newTransportAdapter(nil)

	closed := false
	server := &closeTrackingConn{onClose: func() { closed = true }}
	ta.raftProxyAccept(7, "10.0.0.7:9001", server)

	assert.True(t, closed)
}

func TestTransportAdapterRaftProxyAcceptClosesAfterClose(t *testing.T) {
	ta := newTransportAdapter(nil)
	require.NoError(t, ta.Listen(func(peerID uint64, peerAddress string, stream net.Conn) {
		t.Fatal("accept callback must not be invoked after Close")
	}))

	onCloseCalled := false
	require.NoError(t, ta.Close(func() { onCloseCalled = true }))
	assert.True(t, onCloseCalled)

	closed := false
	server := &closeTrackingConn{onClose: func() { closed = true }}
	ta.raftProxyAccept(7, "10.0.0.7:9001", server)
	assert.True(t, closed)
}

// closeTrackingConn is a minimal [net.Conn] that only supports Close, for
// tests that just need to observe whether a stream got closed.
type closeTrackingConn struct {
	net.Conn
	onClose func()
}

func (c *closeTrackingConn) Close() error {
	c.onClose()
	return nil
}
