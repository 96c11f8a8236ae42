// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package history records recovery operations in a local SQLite
// database.
//
// Every staging operation (uncrypt, setup-bcb, clear-bcb) and every
// escrow event (request, clear, reboot) is appended to the operations
// table with its outcome. The store is an audit trail, not a source of
// truth: recording is best-effort, and a write failure is logged but
// never fails the operation it describes.
package history

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zeebo/blake3"

	"github.com/updateos/recoveryd/lib/clock"
	"github.com/updateos/recoveryd/lib/sqlitepool"
)

// Entry kinds.
const (
	KindStaging = "staging"
	KindEscrow  = "escrow"
)

// OutcomeOK is the outcome recorded for successful staging
// operations. Failures carry free-form outcome text.
const OutcomeOK = "ok"

// Schema creates the operations table. Applied once per connection
// via the pool's OnConnect hook; idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TEXT NOT NULL,
	kind TEXT NOT NULL,
	operation TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	command_digest TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS operations_recorded_at ON operations (recorded_at);
`

// Entry is one recorded operation. RecordedAt is RFC 3339 UTC.
type Entry struct {
	ID            int64  `json:"id"`
	RecordedAt    string `json:"recorded_at"`
	Kind          string `json:"kind"`
	Operation     string `json:"operation"`
	Detail        string `json:"detail,omitempty"`
	Outcome       string `json:"outcome"`
	CommandDigest string `json:"command_digest,omitempty"`
}

// Config holds the parameters for a history log.
type Config struct {
	// Pool is the connection pool backing the log. Required. The pool
	// must have been opened with Schema applied via OnConnect.
	Pool *sqlitepool.Pool

	// CommandFile, when set, is digested with BLAKE3 at record time
	// for staging entries that wrote a recovery command. Ties each
	// history row to the exact command content that was staged.
	CommandFile string

	// Clock supplies timestamps. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives warnings for failed writes. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// Log is an append-only record of recovery operations. Safe for
// concurrent use.
type Log struct {
	pool        *sqlitepool.Pool
	commandFile string
	clock       clock.Clock
	logger      *slog.Logger
}

// NewLog creates a history log over an open pool.
func NewLog(cfg Config) (*Log, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("history: Pool is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Log{
		pool:        cfg.Pool,
		commandFile: cfg.CommandFile,
		clock:       clk,
		logger:      logger,
	}, nil
}

// RecordStaging records a staging operation (uncrypt, setup-bcb,
// clear-bcb). For operations that staged a command, the current
// command file content is digested and stored alongside the row.
// Best-effort: failures are logged, never returned.
func (l *Log) RecordStaging(ctx context.Context, operation, detail, outcome string) {
	digest := ""
	if l.commandFile != "" && outcome == OutcomeOK {
		sum, err := CommandFileDigest(l.commandFile)
		if err != nil {
			l.logger.Warn("history: command file digest failed",
				"path", l.commandFile,
				"error", err,
			)
		} else {
			digest = sum
		}
	}
	l.record(ctx, Entry{
		Kind:          KindStaging,
		Operation:     operation,
		Detail:        detail,
		Outcome:       outcome,
		CommandDigest: digest,
	})
}

// RecordEscrow records an escrow event (request-lskf, clear-lskf,
// reboot-lskf). Best-effort: failures are logged, never returned.
func (l *Log) RecordEscrow(ctx context.Context, event, packageName, outcome string) {
	l.record(ctx, Entry{
		Kind:      KindEscrow,
		Operation: event,
		Detail:    packageName,
		Outcome:   outcome,
	})
}

func (l *Log) record(ctx context.Context, entry Entry) {
	entry.RecordedAt = l.clock.Now().UTC().Format(time.RFC3339)

	conn, err := l.pool.Take(ctx)
	if err != nil {
		l.logger.Warn("history: record skipped",
			"operation", entry.Operation,
			"error", err,
		)
		return
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO operations (recorded_at, kind, operation, detail, outcome, command_digest)
		VALUES (?, ?, ?, ?, ?, ?)
	`, &sqlitex.ExecOptions{
		Args: []any{
			entry.RecordedAt,
			entry.Kind,
			entry.Operation,
			entry.Detail,
			entry.Outcome,
			entry.CommandDigest,
		},
	})
	if err != nil {
		l.logger.Warn("history: record failed",
			"operation", entry.Operation,
			"error", err,
		)
	}
}

// Recent returns up to limit entries, newest first. A limit of zero
// or less defaults to 50.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, `
		SELECT id, recorded_at, kind, operation, detail, outcome, command_digest
		FROM operations
		ORDER BY id DESC
		LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, Entry{
				ID:            stmt.ColumnInt64(0),
				RecordedAt:    stmt.ColumnText(1),
				Kind:          stmt.ColumnText(2),
				Operation:     stmt.ColumnText(3),
				Detail:        stmt.ColumnText(4),
				Outcome:       stmt.ColumnText(5),
				CommandDigest: stmt.ColumnText(6),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return entries, nil
}

// CommandFileDigest returns the hex BLAKE3-256 digest of the file at
// path.
func CommandFileDigest(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}
