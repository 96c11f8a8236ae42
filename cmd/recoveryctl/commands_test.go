// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/updateos/recoveryd/lib/codec"
	"github.com/updateos/recoveryd/lib/recoveryapi"
	"github.com/updateos/recoveryd/lib/testutil"
)

// fakeDaemon accepts one connection on a fresh socket, decodes the
// request, and lets respond write frames back. Returns the socket
// path and a channel carrying the received request.
func fakeDaemon(t *testing.T, respond func(request recoveryapi.Request, encode func(recoveryapi.Response))) (string, chan recoveryapi.Request) {
	t.Helper()

	socketPath := filepath.Join(testutil.SocketDir(t), "recoveryd.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	received := make(chan recoveryapi.Request, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var request recoveryapi.Request
		if err := codec.NewDecoder(conn).Decode(&request); err != nil {
			t.Errorf("daemon decode: %v", err)
			return
		}
		received <- request
		encoder := codec.NewEncoder(conn)
		respond(request, func(response recoveryapi.Response) {
			if err := encoder.Encode(response); err != nil {
				t.Errorf("daemon encode: %v", err)
			}
		})
	}()

	return socketPath, received
}

// resetOptions restores the shared flag state after a test that
// dispatches through Execute.
func resetOptions(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { options = globalOptions{} })
}

func okResponse(t *testing.T, value bool) recoveryapi.Response {
	t.Helper()
	data, err := codec.Marshal(recoveryapi.BoolResult{Value: value})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return recoveryapi.Response{OK: true, Data: data}
}

func TestUncryptRequiresArgument(t *testing.T) {
	resetOptions(t)
	root := rootCommand(context.Background())

	if err := root.Execute([]string{"uncrypt"}); err == nil {
		t.Fatal("Execute() = nil, want error")
	}
}

func TestIsLskfCapturedOverSocket(t *testing.T) {
	resetOptions(t)
	socketPath, received := fakeDaemon(t, func(request recoveryapi.Request, encode func(recoveryapi.Response)) {
		encode(okResponse(t, true))
	})

	root := rootCommand(context.Background())
	err := root.Execute([]string{"is-lskf-captured", "com.example.updater", "--socket", socketPath})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}

	request := testutil.RequireReceive(t, received, 5*time.Second, "request not received")
	if request.Action != recoveryapi.ActionIsLskfCaptured {
		t.Errorf("action = %q, want %q", request.Action, recoveryapi.ActionIsLskfCaptured)
	}
	if request.Package != "com.example.updater" {
		t.Errorf("package = %q, want com.example.updater", request.Package)
	}
}

func TestRebootLskfLegacyFlag(t *testing.T) {
	resetOptions(t)
	socketPath, received := fakeDaemon(t, func(request recoveryapi.Request, encode func(recoveryapi.Response)) {
		encode(okResponse(t, true))
	})

	root := rootCommand(context.Background())
	err := root.Execute([]string{"reboot-lskf", "com.example.updater", "--legacy", "--reason", "ota", "--socket", socketPath})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}

	request := testutil.RequireReceive(t, received, 5*time.Second, "request not received")
	if request.Action != recoveryapi.ActionRebootLskfLegacy {
		t.Errorf("action = %q, want %q", request.Action, recoveryapi.ActionRebootLskfLegacy)
	}
	if request.Reason != "ota" {
		t.Errorf("reason = %q, want ota", request.Reason)
	}
}

func TestFailedOutcomeExitsWithError(t *testing.T) {
	resetOptions(t)
	socketPath, _ := fakeDaemon(t, func(request recoveryapi.Request, encode func(recoveryapi.Response)) {
		encode(okResponse(t, false))
	})

	root := rootCommand(context.Background())
	err := root.Execute([]string{"clear-bcb", "--socket", socketPath})
	if err == nil {
		t.Fatal("Execute() = nil, want error for failed outcome")
	}
}

func TestHistoryExportWritesFile(t *testing.T) {
	resetOptions(t)
	archive := []byte("zstd-archive-bytes")
	socketPath, received := fakeDaemon(t, func(request recoveryapi.Request, encode func(recoveryapi.Response)) {
		data, err := codec.Marshal(recoveryapi.ExportResult{Archive: archive})
		if err != nil {
			t.Errorf("marshal: %v", err)
			return
		}
		encode(recoveryapi.Response{OK: true, Data: data})
	})

	outPath := filepath.Join(t.TempDir(), "history.cbor.zst")
	root := rootCommand(context.Background())
	err := root.Execute([]string{"history", "export", "--out", outPath, "--socket", socketPath})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}

	request := testutil.RequireReceive(t, received, 5*time.Second, "request not received")
	if request.Action != recoveryapi.ActionHistoryExport {
		t.Errorf("action = %q, want %q", request.Action, recoveryapi.ActionHistoryExport)
	}

	written, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if !bytes.Equal(written, archive) {
		t.Errorf("export = %q, want %q", written, archive)
	}
}

func TestSetupBcbFlagShapedCommand(t *testing.T) {
	resetOptions(t)
	socketPath, received := fakeDaemon(t, func(request recoveryapi.Request, encode func(recoveryapi.Response)) {
		encode(okResponse(t, true))
	})

	// Flag-shaped BCB commands must be escaped with the -- terminator,
	// exactly as the help example shows.
	root := rootCommand(context.Background())
	err := root.Execute([]string{"setup-bcb", "--socket", socketPath, "--", "--wipe_data"})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}

	request := testutil.RequireReceive(t, received, 5*time.Second, "request not received")
	if request.Action != recoveryapi.ActionSetupBcb {
		t.Errorf("action = %q, want %q", request.Action, recoveryapi.ActionSetupBcb)
	}
	if request.Command != "--wipe_data" {
		t.Errorf("command = %q, want --wipe_data", request.Command)
	}
}
