// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"log/slog"
	"net"
	"sync"
)

// Connection is one accepted client stream.
//
// Per-connection request parsing, statement execution, and response framing
// are out of scope for this module (see §1 of the design notes this package
// implements) — [Connection] owns only the stream's lifecycle and its
// membership in the [ConnectionRegistry]; a real deployment replaces serve
// with the embedder's SQL request loop.
type Connection struct {
	// Registry is the [*ConnectionRegistry] this connection belongs to.
	Registry *ConnectionRegistry

	// Logger receives connection lifecycle events.
	Logger SLogger

	// ErrClassifier classifies connection-local errors for logging.
	ErrClassifier ErrClassifier

	stream    net.Conn
	closeOnce sync.Once
}

// NewConnection constructs a [*Connection] over stream, wiring it to the
// node-wide registry, logger, and error classifier.
func NewConnection(stream net.Conn, registry *ConnectionRegistry, logger SLogger, classifier ErrClassifier) *Connection {
	return &Connection{
		Registry:      registry,
		Logger:        logger,
		ErrClassifier: classifier,
		stream:        stream,
	}
}

// Start registers the connection and begins serving it in the background.
// Per §4.3, intake failures between allocation and Start must close the
// stream without ever calling Start.
func (c *Connection) Start() {
	c.Registry.Add(c)
	go c.serve()
}

// serve blocks on reads until the stream is closed, then unregisters
// itself. This is the placeholder for the embedder's real request loop.
func (c *Connection) serve() {
	defer c.teardown()
	buf := make([]byte, 4096)
	for {
		if _, err := c.stream.Read(buf); err != nil {
			c.Logger.Debug("connectionServeDone",
				slog.Any("err", err),
				slog.String("errClass", c.ErrClassifier.Classify(err)),
			)
			return
		}
	}
}

// teardown unlinks the connection from the registry and closes its stream.
// Safe to call multiple times; only the first call has effect.
func (c *Connection) teardown() {
	c.closeOnce.Do(func() {
		if c.Registry != nil {
			c.Registry.Remove(c)
		}
		c.stream.Close()
	})
}

// Stop signals the connection to stop by closing its underlying stream,
// which unblocks serve and drives teardown.
func (c *Connection) Stop() {
	c.teardown()
}
