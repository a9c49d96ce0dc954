// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import "sync"

// ConnectionRegistry holds the set of live client connections so that
// [*Node.Stop] can reach every one of them.
//
// The original C core links connections into a doubly-linked list; this
// is the Go-idiomatic rendering of the same set semantics (insertion on
// start, removal on teardown, iteration on stop) using a map guarded by
// a mutex instead of intrusive pointers.
type ConnectionRegistry struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewConnectionRegistry returns an empty [*ConnectionRegistry].
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[*Connection]struct{})}
}

// Add registers c. Called once, when c starts.
func (r *ConnectionRegistry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

// Remove unregisters c. Called once, from c's own teardown.
func (r *ConnectionRegistry) Remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

// Len returns the number of currently registered connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// StopAll signals every registered connection to stop by closing its
// underlying stream. Each connection's own teardown subsequently removes
// itself from the registry, so StopAll snapshots the set before iterating.
func (r *ConnectionRegistry) StopAll() {
	r.mu.Lock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		c.Stop()
	}
}
