// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntakeClientNetworkAcceptsAndRegisters(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := NewConnectionRegistry()
	listener := &Listener{BindAddress: &bindAddress{IsLocal: false}}
	filter := newIntakeFilter(listener, reg, newTransportAdapter(nil), NewConfig(), DefaultSLogger())

	filter.intakeClient(server)

	assert.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestIntakeClientLocalDomainRejectsNonUnixConn(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("sameProcessPeer degrades to trust-all outside Linux")
	}

	closed := false
	conn := &closeTrackingConn{onClose: func() { closed = true }}

	reg := NewConnectionRegistry()
	listener := &Listener{BindAddress: &bindAddress{IsLocal: true}}
	filter := newIntakeFilter(listener, reg, newTransportAdapter(nil), NewConfig(), DefaultSLogger())

	filter.intakeClient(conn)

	require.True(t, closed)
	assert.Equal(t, 0, reg.Len())
}

// TestIntakeClientBindsConnectionToContext asserts that a client stream
// accepted after setContext closes as soon as the installed context is
// cancelled, demonstrating that intakeClient actually routes every
// accepted stream through the observe/cancel-watch pipeline rather than
// registering the raw stream.
func TestIntakeClientBindsConnectionToContext(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := NewConnectionRegistry()
	listener := &Listener{BindAddress: &bindAddress{IsLocal: false}}
	filter := newIntakeFilter(listener, reg, newTransportAdapter(nil), NewConfig(), DefaultSLogger())

	ctx, cancel := context.WithCancel(context.Background())
	filter.setContext(ctx)

	filter.intakeClient(server)
	assert.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestIntakePeerReadsHandshakeAndForwards(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	transport := newTransportAdapter(nil)
	var gotID uint64
	var gotAddr string
	done := make(chan struct{})
	require.NoError(t, transport.Listen(func(peerID uint64, peerAddress string, stream net.Conn) {
		gotID, gotAddr = peerID, peerAddress
		close(done)
	}))

	filter := newIntakeFilter(&Listener{BindAddress: &bindAddress{}}, NewConnectionRegistry(), transport, NewConfig(), DefaultSLogger())

	go filter.intakePeer(server)

	_, err := client.Write([]byte(handshakePreface))
	require.NoError(t, err)
	require.NoError(t, writeConnectMessage(client, connectMessage{PeerID: 3, PeerAddress: "10.0.0.3:9001"}))

	<-done
	assert.Equal(t, uint64(3), gotID)
	assert.Equal(t, "10.0.0.3:9001", gotAddr)
}
