// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/updateos/recoveryd/lib/codec"
)

// ExportZstd writes every entry, oldest first, as a zstd-compressed
// stream of CBOR-encoded entries. The stream is a plain concatenation
// of entries; readers decode until EOF.
func (l *Log) ExportZstd(ctx context.Context, w io.Writer) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	compressor, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("history: export: %w", err)
	}
	encoder := codec.NewEncoder(compressor)

	err = sqlitex.Execute(conn, `
		SELECT id, recorded_at, kind, operation, detail, outcome, command_digest
		FROM operations
		ORDER BY id ASC
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			return encoder.Encode(Entry{
				ID:            stmt.ColumnInt64(0),
				RecordedAt:    stmt.ColumnText(1),
				Kind:          stmt.ColumnText(2),
				Operation:     stmt.ColumnText(3),
				Detail:        stmt.ColumnText(4),
				Outcome:       stmt.ColumnText(5),
				CommandDigest: stmt.ColumnText(6),
			})
		},
	})
	if err != nil {
		compressor.Close()
		return fmt.Errorf("history: export: %w", err)
	}

	if err := compressor.Close(); err != nil {
		return fmt.Errorf("history: export: flush: %w", err)
	}
	return nil
}
