// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// handshakePreface is the fixed byte sequence every outbound peer-replication
// stream sends first, letting the listener's inbound demultiplexer (§4.5,
// built on cmux) distinguish replication traffic from client traffic without
// consuming application bytes.
const handshakePreface = "DQLITE-RAFT1\n"

// maxFramePayload is the largest payload writeFrame accepts: the most a
// 2-byte length prefix can express. The same prefix bounds what readFrame
// allocates for a single frame.
const maxFramePayload = 1<<16 - 1 // 65535 bytes

// connectMessage is the control message sent once, immediately after the
// handshake preface, on every outbound peer-replication connection. It
// carries the dialing node's identity and self-address, per §4.5's
// "connect" control message.
type connectMessage struct {
	PeerID      uint64
	PeerAddress string
}

// writeFrame writes payload to w prefixed with its 2-byte big-endian length,
// the framing idiom this module borrows structurally from the teacher's
// length-prefixed stream codecs.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("frame payload too large: %d bytes", len(payload))
	}
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads a single length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(header[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeConnectMessage frames and gob-encodes msg onto w.
func writeConnectMessage(w io.Writer, msg connectMessage) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return fmt.Errorf("encode connect message: %w", err)
	}
	return writeFrame(w, buf.Bytes())
}

// readConnectMessage reads and decodes a single framed [connectMessage]
// from r.
func readConnectMessage(r io.Reader) (connectMessage, error) {
	payload, err := readFrame(r)
	if err != nil {
		return connectMessage{}, err
	}
	var msg connectMessage
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		return connectMessage{}, fmt.Errorf("decode connect message: %w", err)
	}
	return msg, nil
}

// writeRaftMessage frames and gob-encodes a [raftpb.Message] onto w.
func writeRaftMessage(w io.Writer, m *raftpb.Message) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encode raft message: %w", err)
	}
	return writeFrame(w, buf.Bytes())
}

// readRaftMessage reads and decodes a single framed [raftpb.Message] from r.
func readRaftMessage(r io.Reader) (*raftpb.Message, error) {
	payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	var m raftpb.Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode raft message: %w", err)
	}
	return &m, nil
}
