// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

// VFS is an opaque marker for the SQL engine's virtual file system.
//
// The SQL engine and its VFS are out of scope for this module (§1): a
// [VFS] value is threaded through [Create] and [*Node.Destroy] only and is
// never dereferenced by this package's own code. Embedders supply their
// real virtual file system implementation; this package treats it as an
// opaque handle to keep around for the node's lifetime.
type VFS interface {
	// Close releases any resources held by the virtual file system.
	Close() error
}

// NopVFS is a [VFS] that does nothing. Useful when an embedder has no SQL
// engine wired in yet (e.g. in tests of the node lifecycle alone).
type NopVFS struct{}

var _ VFS = NopVFS{}

// Close implements [VFS].
func (NopVFS) Close() error {
	return nil
}
