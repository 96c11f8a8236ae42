// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/updateos/recoveryd/lib/history"
)

// commonFlags returns a flag set pre-populated with the flags every
// subcommand accepts.
func commonFlags(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVar(&options.socketPath, "socket", "",
		"daemon socket path (default $RECOVERYD_SOCKET or "+defaultSocketPath+")")
	flagSet.BoolVar(&options.jsonOutput, "json", false,
		"emit machine-readable JSON output")
	return flagSet
}

func uncryptCommand(ctx context.Context) *Command {
	return &Command{
		Name:    "uncrypt",
		Summary: "Decrypt a staged update package in place via the uncrypt helper.",
		Usage:   "recoveryctl uncrypt <package-path> [flags]",
		Examples: []Example{
			{
				Description: "Prepare a downloaded OTA package for recovery",
				Command:     "recoveryctl uncrypt /data/ota/update.zip",
			},
		},
		Flags: func() *pflag.FlagSet { return commonFlags("uncrypt") },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one package path argument")
			}
			onProgress := func(percent int) {
				if !options.jsonOutput {
					fmt.Printf("uncrypt: %d%%\n", percent)
				}
			}
			ok, err := client().Uncrypt(ctx, args[0], onProgress)
			if err != nil {
				return err
			}
			return reportOutcome("uncrypt", ok)
		},
	}
}

func setupBcbCommand(ctx context.Context) *Command {
	return &Command{
		Name:    "setup-bcb",
		Summary: "Stage a recovery command in the bootloader control block.",
		Usage:   "recoveryctl setup-bcb <command> [flags]",
		Examples: []Example{
			{
				Description: "Stage a wipe for the next recovery boot",
				Command:     "recoveryctl setup-bcb -- --wipe_data",
			},
		},
		Flags: func() *pflag.FlagSet { return commonFlags("setup-bcb") },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one command argument")
			}
			ok, err := client().SetupBcb(ctx, args[0])
			if err != nil {
				return err
			}
			return reportOutcome("setup-bcb", ok)
		},
	}
}

func clearBcbCommand(ctx context.Context) *Command {
	return &Command{
		Name:    "clear-bcb",
		Summary: "Wipe any staged command from the bootloader control block.",
		Usage:   "recoveryctl clear-bcb [flags]",
		Flags:   func() *pflag.FlagSet { return commonFlags("clear-bcb") },
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			ok, err := client().ClearBcb(ctx)
			if err != nil {
				return err
			}
			return reportOutcome("clear-bcb", ok)
		},
	}
}

func rebootRecoveryCommand(ctx context.Context) *Command {
	return &Command{
		Name:    "reboot-recovery",
		Summary: "Stage a recovery command and reboot into recovery.",
		Usage:   "recoveryctl reboot-recovery [command] [flags]",
		Examples: []Example{
			{
				Description: "Boot into recovery with no staged command",
				Command:     "recoveryctl reboot-recovery",
			},
		},
		Flags: func() *pflag.FlagSet { return commonFlags("reboot-recovery") },
		Run: func(args []string) error {
			command := ""
			switch len(args) {
			case 0:
			case 1:
				command = args[0]
			default:
				return fmt.Errorf("expected at most one command argument")
			}
			ok, err := client().RebootRecovery(ctx, command)
			if err != nil {
				return err
			}
			return reportOutcome("reboot-recovery", ok)
		},
	}
}

func requestLskfCommand(ctx context.Context) *Command {
	var wait bool
	return &Command{
		Name:    "request-lskf",
		Summary: "Ask for the lock screen knowledge factor to be escrowed for an update.",
		Usage:   "recoveryctl request-lskf <package> [flags]",
		Examples: []Example{
			{
				Description: "Register and block until the user next authenticates",
				Command:     "recoveryctl request-lskf com.example.updater --wait",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := commonFlags("request-lskf")
			flagSet.BoolVar(&wait, "wait", false,
				"block until the factor has been captured")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one package argument")
			}
			ok, err := client().RequestLskf(ctx, args[0], wait)
			if err != nil {
				return err
			}
			return reportOutcome("request-lskf", ok)
		},
	}
}

func clearLskfCommand(ctx context.Context) *Command {
	return &Command{
		Name:    "clear-lskf",
		Summary: "Withdraw a package's escrow request.",
		Usage:   "recoveryctl clear-lskf <package> [flags]",
		Flags:   func() *pflag.FlagSet { return commonFlags("clear-lskf") },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one package argument")
			}
			ok, err := client().ClearLskf(ctx, args[0])
			if err != nil {
				return err
			}
			return reportOutcome("clear-lskf", ok)
		},
	}
}

func isLskfCapturedCommand(ctx context.Context) *Command {
	return &Command{
		Name:    "is-lskf-captured",
		Summary: "Report whether a package's escrow request has completed preparation.",
		Usage:   "recoveryctl is-lskf-captured <package> [flags]",
		Flags:   func() *pflag.FlagSet { return commonFlags("is-lskf-captured") },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one package argument")
			}
			captured, err := client().IsLskfCaptured(ctx, args[0])
			if err != nil {
				return err
			}
			if options.jsonOutput {
				return printJSON(map[string]bool{"captured": captured})
			}
			fmt.Printf("%t\n", captured)
			return nil
		},
	}
}

func rebootLskfCommand(ctx context.Context) *Command {
	var (
		reason     string
		slotSwitch bool
		legacy     bool
	)
	return &Command{
		Name:    "reboot-lskf",
		Summary: "Arm the escrowed key and reboot to apply an update unattended.",
		Usage:   "recoveryctl reboot-lskf <package> [flags]",
		Examples: []Example{
			{
				Description: "Reboot for an update that switches the active slot",
				Command:     "recoveryctl reboot-lskf com.example.updater --slot-switch --reason ota",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := commonFlags("reboot-lskf")
			flagSet.StringVar(&reason, "reason", "",
				"reboot reason recorded by the power manager")
			flagSet.BoolVar(&slotSwitch, "slot-switch", false,
				"the staged update changes the active boot slot")
			flagSet.BoolVar(&legacy, "legacy", false,
				"use the legacy call that always assumes a slot switch")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one package argument")
			}
			var (
				ok  bool
				err error
			)
			if legacy {
				ok, err = client().RebootLskfLegacy(ctx, args[0], reason)
			} else {
				ok, err = client().RebootLskf(ctx, args[0], reason, slotSwitch)
			}
			if err != nil {
				return err
			}
			return reportOutcome("reboot-lskf", ok)
		},
	}
}

func historyCommand(ctx context.Context) *Command {
	var limit int
	return &Command{
		Name:    "history",
		Summary: "Show recent staging and escrow operations.",
		Usage:   "recoveryctl history [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := commonFlags("history")
			flagSet.IntVar(&limit, "limit", 20, "maximum number of entries to show")
			return flagSet
		},
		Subcommands: []*Command{
			historyExportCommand(ctx),
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			result, err := client().History(ctx, limit)
			if err != nil {
				return err
			}
			if options.jsonOutput {
				return printJSON(result.Entries)
			}
			printHistoryTable(result.Entries)
			return nil
		},
	}
}

func historyExportCommand(ctx context.Context) *Command {
	var outPath string
	return &Command{
		Name:    "export",
		Summary: "Export the full operation history as a zstd-compressed archive.",
		Usage:   "recoveryctl history export [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := commonFlags("history export")
			flagSet.StringVar(&outPath, "out", "", "write the archive to this file instead of stdout")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			out := os.Stdout
			if outPath != "" {
				file, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("creating %s: %w", outPath, err)
				}
				defer file.Close()
				out = file
			}
			return client().HistoryExport(ctx, out)
		},
	}
}

// printHistoryTable renders history entries as an aligned table,
// newest first.
func printHistoryTable(entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Println("no recorded operations")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tOPERATION\tDETAIL\tOUTCOME")
	for _, entry := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			entry.RecordedAt, entry.Kind, entry.Operation, entry.Detail, entry.Outcome)
	}
	tw.Flush()
}
