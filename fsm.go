// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"bytes"
	"encoding/gob"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// ReplicationFSM applies committed log entries (WAL frames, in the real SQL
// engine) to local state, and produces/restores snapshots of that state.
//
// The replication finite state machine itself is out of scope for this
// module (§1); this interface is the contract the Node Controller drives
// it through. [mapFSM] is a default, in-memory implementation useful for
// tests and for embedders that have not yet wired in a real SQL engine.
type ReplicationFSM interface {
	// Apply applies newly committed entries, in order.
	Apply(entries []raftpb.Entry) error

	// Snapshot returns a serialized snapshot of the current state.
	Snapshot() ([]byte, error)

	// Restore replaces the current state with the one encoded in data,
	// as produced by a prior call to Snapshot.
	Restore(data []byte) error
}

// mapFSM is an in-memory key/value [ReplicationFSM]. Entries are decoded as
// gob-encoded [kvSet] records. Empty entries (which raft uses internally
// for no-ops) are skipped; a non-empty entry that does not decode as a
// [kvSet] makes Apply return an error, and the entries after it in the
// same batch are not applied.
type mapFSM struct {
	mu   sync.Mutex
	data map[string][]byte
}

// newMapFSM returns an empty [*mapFSM].
func newMapFSM() *mapFSM {
	return &mapFSM{data: make(map[string][]byte)}
}

var _ ReplicationFSM = &mapFSM{}

// kvSet is the payload format mapFSM expects in committed entry data.
type kvSet struct {
	Key   string
	Value []byte
}

// Apply implements [ReplicationFSM].
func (f *mapFSM) Apply(entries []raftpb.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, entry := range entries {
		if len(entry.Data) == 0 {
			continue
		}
		var set kvSet
		if err := gob.NewDecoder(bytes.NewReader(entry.Data)).Decode(&set); err != nil {
			return newGenericError("mapFSM.Apply", err)
		}
		f.data[set.Key] = set.Value
	}
	return nil
}

// Snapshot implements [ReplicationFSM].
func (f *mapFSM) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f.data); err != nil {
		return nil, newGenericError("mapFSM.Snapshot", err)
	}
	return buf.Bytes(), nil
}

// Restore implements [ReplicationFSM].
func (f *mapFSM) Restore(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	restored := make(map[string][]byte)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&restored); err != nil {
		return newGenericError("mapFSM.Restore", err)
	}
	f.data = restored
	return nil
}

// Get returns the value stored under key, for tests and diagnostics.
func (f *mapFSM) Get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}
