// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool used by
// recoveryd's local stores.
//
// It wraps zombiezen.com/go/sqlite with defaults suited to a small
// always-on system daemon: WAL journal mode, NORMAL synchronous for
// process-crash durability without fsync-per-commit overhead, and a
// busy timeout so concurrent writers wait instead of failing with
// SQLITE_BUSY.
//
// The pool is built on zombiezen's sqlitex.Pool. Callers [Pool.Take] a
// connection, perform work, and [Pool.Put] it back. Connections are
// NOT safe for concurrent use. Each goroutine must hold its own
// connection for the duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: concurrent readers and a single writer. Reads
//     never block writes and writes never block reads.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across power loss, which is acceptable for the operation
//     history store: the recovery outcome itself is recorded in the
//     bootloader control block, not here.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock.
//   - foreign_keys=OFF: the history schema has no cross-table
//     references to enforce.
//   - cache_size=-2048: 2 MB page cache per connection. The history
//     database stays small.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/recoveryd/history.db",
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// This package is intentionally thin: it applies the standard pragmas
// and exposes the underlying zombiezen types directly. Callers write
// SQL and use sqlitex.Execute for cached statements. There is no query
// builder and no abstraction over SQLite's connection model.
package sqlitepool
