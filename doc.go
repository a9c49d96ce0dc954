// SPDX-License-Identifier: GPL-3.0-or-later

// Package dqlite implements the node-level orchestration core of a
// replicated embedded-SQL database: node lifecycle (create, configure,
// start, stop, destroy), a pluggable transport adapter bridging a consensus
// engine to a byte-stream network, and the connection intake/dispatch
// machinery that feeds client connections to the rest of the system.
//
// # Core Abstraction
//
// Small composable operations are modeled as a [Func]:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// [Compose2] and [Compose3] chain Funcs into pipelines. [*connectDispatcher]
// composes [ConnectFunc], [ObserveConnFunc], and [CancelWatchFunc] this way
// to dial a peer, observe the resulting stream's I/O, and bind its lifetime
// to the run loop's context, all as a single [Func].
//
// # Available Primitives
//
// Address parsing and binding:
//   - [ParseBindAddress]: parses `HOST:PORT` and `@PATH` endpoint strings
//
// Connection establishment and lifecycle:
//   - [ConnectFunc]: dials a peer via a pluggable [Dialer]
//   - [ObserveConnFunc]: observes connections for logging I/O operations
//   - [CancelWatchFunc]: closes a connection on context cancellation
//
// Node orchestration:
//   - [Node]: the outermost lifecycle object (create/configure/start/stop/destroy)
//   - [Listener], [ConnectionRegistry]: accept and track client connections
//   - [transportAdapter], [connectDispatcher]: bridge a [ConsensusEngine] to the network
//
// Composition utilities:
//   - [Compose2], [Compose3]: chain Funcs into pipelines
//   - [FuncAdapter]: wrap a function as a Func for ad-hoc custom behavior
//
// Consensus and state machine:
//   - [ConsensusEngine], [Transport]: the contract a replication engine is driven through
//   - [ReplicationFSM], [VFS]: pluggable applied-state and storage marker interfaces
//
// # Observability
//
// All components log through [SLogger] (compatible with [log/slog]).
//
// By default, logging is disabled. Set [Config.Logger] to a custom
// [*slog.Logger] to enable it. Error classification is configurable via
// [ErrClassifier]; by default, [DefaultErrClassifier] maps errors to short
// labels such as "ETIMEDOUT" or "ECONNREFUSED".
//
// Primitives emit two kinds of structured log events:
//
//   - Span events (*Start/*Done pairs): record operation lifecycle including
//     timing and success/failure.
//
//   - I/O-level events (read, write, deadline changes) at [slog.LevelDebug];
//     lifecycle events at [slog.LevelInfo].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7) for
// each dial, accept, or Raft exchange, then attach it to the logger with
// [*slog.Logger.With] so related log entries can be correlated.
//
// # Timeout and Context Philosophy
//
// Operations never modify the context they receive. The caller controls
// timeouts externally via [context.WithTimeout], [context.WithDeadline], or
// [signal.NotifyContext]. [CancelWatchFunc] binds a connection's lifetime to
// a context so that cancellation closes it immediately rather than waiting
// for blocking I/O to time out on its own.
package dqlite
