// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Command recoveryctl is the command-line client for the recoveryd
// daemon. It stages recovery operations, drives the resume-on-reboot
// escrow flow, and inspects the operation history over the daemon's
// unix socket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/updateos/recoveryd/lib/recoveryapi"
)

const defaultSocketPath = "/run/recoveryd/recoveryd.sock"

// globalOptions holds flags shared by every subcommand.
type globalOptions struct {
	socketPath string
	jsonOutput bool
}

var options globalOptions

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := rootCommand(ctx)
	if err := root.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "recoveryctl: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand(ctx context.Context) *Command {
	return &Command{
		Name:    "recoveryctl",
		Summary: "Control the recoveryd update staging and reboot escrow daemon.",
		Subcommands: []*Command{
			uncryptCommand(ctx),
			setupBcbCommand(ctx),
			clearBcbCommand(ctx),
			rebootRecoveryCommand(ctx),
			requestLskfCommand(ctx),
			clearLskfCommand(ctx),
			isLskfCapturedCommand(ctx),
			rebootLskfCommand(ctx),
			historyCommand(ctx),
		},
	}
}

// client builds a daemon client from the global socket flag, falling
// back to RECOVERYD_SOCKET and then the well-known path.
func client() *recoveryapi.Client {
	path := options.socketPath
	if path == "" {
		path = os.Getenv("RECOVERYD_SOCKET")
	}
	if path == "" {
		path = defaultSocketPath
	}
	return &recoveryapi.Client{SocketPath: path}
}

// reportOutcome prints a boolean operation result and returns an error
// when the operation failed, so the process exits non-zero.
func reportOutcome(operation string, ok bool) error {
	if options.jsonOutput {
		return printJSON(map[string]bool{"ok": ok})
	}
	if !ok {
		return fmt.Errorf("%s failed", operation)
	}
	fmt.Printf("%s: ok\n", operation)
	return nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
