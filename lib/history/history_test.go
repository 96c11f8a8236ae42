// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package history_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/updateos/recoveryd/lib/clock"
	"github.com/updateos/recoveryd/lib/codec"
	"github.com/updateos/recoveryd/lib/history"
	"github.com/updateos/recoveryd/lib/sqlitepool"
)

var testStart = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// newTestLog opens a log over a temporary database with the schema
// applied and a command file containing commandContent.
func newTestLog(t *testing.T, commandContent string) (*history.Log, *clock.FakeClock) {
	t.Helper()

	directory := t.TempDir()
	commandFile := filepath.Join(directory, "command")
	if err := os.WriteFile(commandFile, []byte(commandContent), 0o600); err != nil {
		t.Fatalf("writing command file: %v", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(directory, "history.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, history.Schema, nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fakeClock := clock.Fake(testStart)
	log, err := history.NewLog(history.Config{
		Pool:        pool,
		CommandFile: commandFile,
		Clock:       fakeClock,
	})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	return log, fakeClock
}

func TestRecentNewestFirst(t *testing.T) {
	log, fakeClock := newTestLog(t, "--update_package=/data/update.zip\n")
	ctx := context.Background()

	log.RecordStaging(ctx, "uncrypt", "/data/update.zip", "ok")
	fakeClock.Advance(time.Minute)
	log.RecordEscrow(ctx, "request-lskf", "com.example.updater", "registered")

	entries, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Operation != "request-lskf" {
		t.Errorf("entries[0].Operation = %q, want %q (newest first)", entries[0].Operation, "request-lskf")
	}
	if entries[1].Operation != "uncrypt" {
		t.Errorf("entries[1].Operation = %q, want %q", entries[1].Operation, "uncrypt")
	}
	if entries[1].RecordedAt != testStart.Format(time.RFC3339) {
		t.Errorf("RecordedAt = %q, want %q", entries[1].RecordedAt, testStart.Format(time.RFC3339))
	}
}

func TestStagingDigest(t *testing.T) {
	content := "--update_package=/data/update.zip\n"
	log, _ := newTestLog(t, content)
	ctx := context.Background()

	log.RecordStaging(ctx, "uncrypt", "/data/update.zip", "ok")
	log.RecordStaging(ctx, "uncrypt", "/data/broken.zip", "failed")

	entries, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	sum := blake3.Sum256([]byte(content))
	wantDigest := hex.EncodeToString(sum[:])
	if entries[1].CommandDigest != wantDigest {
		t.Errorf("success digest = %q, want %q", entries[1].CommandDigest, wantDigest)
	}
	if entries[0].CommandDigest != "" {
		t.Errorf("failure digest = %q, want empty", entries[0].CommandDigest)
	}
}

func TestRecordEscrowFields(t *testing.T) {
	log, _ := newTestLog(t, "")
	ctx := context.Background()

	log.RecordEscrow(ctx, "clear-lskf", "com.example.updater", "cleared")

	entries, err := log.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Kind != history.KindEscrow {
		t.Errorf("Kind = %q, want %q", entry.Kind, history.KindEscrow)
	}
	if entry.Detail != "com.example.updater" {
		t.Errorf("Detail = %q, want package name", entry.Detail)
	}
	if entry.Outcome != "cleared" {
		t.Errorf("Outcome = %q, want %q", entry.Outcome, "cleared")
	}
}

func TestRecentLimit(t *testing.T) {
	log, _ := newTestLog(t, "")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		log.RecordEscrow(ctx, "request-lskf", "com.example.updater", "registered")
	}

	entries, err := log.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("len(entries) = %d, want 3", len(entries))
	}
}

func TestExportZstdRoundTrip(t *testing.T) {
	log, _ := newTestLog(t, "")
	ctx := context.Background()

	log.RecordStaging(ctx, "setup-bcb", "boot-recovery", "ok")
	log.RecordStaging(ctx, "clear-bcb", "", "ok")

	var buffer bytes.Buffer
	if err := log.ExportZstd(ctx, &buffer); err != nil {
		t.Fatalf("ExportZstd: %v", err)
	}

	reader, err := zstd.NewReader(&buffer)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer reader.Close()

	decoder := codec.NewDecoder(reader)
	var decoded []history.Entry
	for {
		var entry history.Entry
		err := decoder.Decode(&entry)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		decoded = append(decoded, entry)
	}

	if len(decoded) != 2 {
		t.Fatalf("len(decoded) = %d, want 2", len(decoded))
	}
	// Export is oldest first, unlike Recent.
	if decoded[0].Operation != "setup-bcb" {
		t.Errorf("decoded[0].Operation = %q, want %q", decoded[0].Operation, "setup-bcb")
	}
	if decoded[1].Operation != "clear-bcb" {
		t.Errorf("decoded[1].Operation = %q, want %q", decoded[1].Operation, "clear-bcb")
	}
}

func TestRecordIsBestEffort(t *testing.T) {
	directory := t.TempDir()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(directory, "history.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, history.Schema, nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	log, err := history.NewLog(history.Config{Pool: pool})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	pool.Close()

	// Recording against a closed pool must not panic and must not
	// propagate the failure.
	log.RecordStaging(context.Background(), "uncrypt", "/data/update.zip", "ok")
	log.RecordEscrow(context.Background(), "request-lskf", "com.example.updater", "registered")
}
